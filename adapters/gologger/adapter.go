package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// RootChannel is the logger channel every sessionguard subsystem hangs off.
const RootChannel = "sessionguard"

// ChannelName returns the channel for one subsystem, for example
// "sessionguard.outbox". An empty component resolves to the root channel.
func ChannelName(component string) string {
	component = strings.TrimSpace(component)
	if component == "" {
		return RootChannel
	}
	return RootChannel + "." + component
}

// Resolve picks the logger pair for a channel. Precedence is fixed:
// provider first, then a bare logger, then nop.
func Resolve(name string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(name, provider, logger)
}

// ResolveComponent resolves a subsystem logger under the root channel.
func ResolveComponent(component string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return Resolve(ChannelName(component), provider, logger)
}

// ToJobProvider bridges a glog provider into go-job's provider contract.
// Nil stays nil so go-job applies its own default.
func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

// ToJobLogger bridges a glog logger into go-job's logger contract.
func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the glog pair for a subsystem and returns the
// equivalent go-job bridges alongside, for hosts wiring queue workers.
func ResolveForJob(
	name string,
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(name, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
