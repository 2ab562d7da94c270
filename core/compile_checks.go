package core

import glog "github.com/goliatone/go-logger/glog"

var (
	_ GatewayRegistry           = (*gatewayRegistry)(nil)
	_ TransitionHandlerRegistry = (*transitionHandlerRegistry)(nil)

	_ Logger         = glog.Nop()
	_ LoggerProvider = glog.ProviderFromLogger(glog.Nop())
)
