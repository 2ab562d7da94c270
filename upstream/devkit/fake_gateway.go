package devkit

import (
	"context"
	"strings"
	"sync"

	"github.com/goliatone/go-sessionguard/core"
)

type PairScript struct {
	Challenge core.PairChallenge
	Err       error
}

type AwaitScript struct {
	Decision core.PairDecision
	Err      error
}

type PasswordScript struct {
	Result core.PasswordResult
	Err    error
}

type ValidateScript struct {
	Result core.ValidateResult
	Err    error
}

type LogoutScript struct {
	Err error
}

// FakeGateway is a scripted stand-in for the messaging platform. Each call
// records the request and plays the script entry for its position; past the
// end the last entry repeats, and an empty script falls back to a benign
// default. AwaitDecision with no script blocks until the context ends, like
// a quiet long-poll.
type FakeGateway struct {
	mu               sync.Mutex
	name             string
	pairScripts      []PairScript
	awaitScripts     []AwaitScript
	passwordScripts  []PasswordScript
	validateScripts  []ValidateScript
	logoutScripts    []LogoutScript
	pairRequests     []core.PairRequest
	awaitRequests    []core.AwaitRequest
	passwordRequests []core.PasswordRequest
	validateRequests []core.ValidateRequest
	logoutRequests   []core.LogoutRequest
}

func NewFakeGateway(name string) *FakeGateway {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = "devkit"
	}
	return &FakeGateway{name: trimmed}
}

func (g *FakeGateway) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

func (g *FakeGateway) BeginPair(_ context.Context, req core.PairRequest) (core.PairChallenge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.pairRequests = append(g.pairRequests, clonePairRequest(req))
	if script, ok := scriptAt(g.pairScripts, len(g.pairRequests)-1); ok {
		return cloneChallenge(script.Challenge), script.Err
	}
	challenge := QRChallengeFixture()
	if req.Kind == core.TicketKindCode {
		challenge = CodeChallengeFixture()
	}
	return challenge, nil
}

func (g *FakeGateway) AwaitDecision(ctx context.Context, req core.AwaitRequest) (core.PairDecision, error) {
	g.mu.Lock()
	g.awaitRequests = append(g.awaitRequests, req)
	script, ok := scriptAt(g.awaitScripts, len(g.awaitRequests)-1)
	g.mu.Unlock()

	if ok {
		return cloneDecision(script.Decision), script.Err
	}
	<-ctx.Done()
	return core.PairDecision{}, ctx.Err()
}

func (g *FakeGateway) SubmitPassword(_ context.Context, req core.PasswordRequest) (core.PasswordResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.passwordRequests = append(g.passwordRequests, req)
	if script, ok := scriptAt(g.passwordScripts, len(g.passwordRequests)-1); ok {
		return clonePasswordResult(script.Result), script.Err
	}
	return AcceptedPassword([]byte("devkit-credential")), nil
}

func (g *FakeGateway) Validate(_ context.Context, req core.ValidateRequest) (core.ValidateResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.validateRequests = append(g.validateRequests, cloneValidateRequest(req))
	if script, ok := scriptAt(g.validateScripts, len(g.validateRequests)-1); ok {
		return cloneValidateResult(script.Result), script.Err
	}
	return core.ValidateResult{Valid: true}, nil
}

func (g *FakeGateway) Logout(_ context.Context, req core.LogoutRequest) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logoutRequests = append(g.logoutRequests, cloneLogoutRequest(req))
	if script, ok := scriptAt(g.logoutScripts, len(g.logoutRequests)-1); ok {
		return script.Err
	}
	return nil
}

func (g *FakeGateway) ScriptPair(scripts ...PairScript) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pairScripts = append(g.pairScripts, scripts...)
	return g
}

func (g *FakeGateway) ScriptAwait(scripts ...AwaitScript) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.awaitScripts = append(g.awaitScripts, scripts...)
	return g
}

func (g *FakeGateway) ScriptPassword(scripts ...PasswordScript) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.passwordScripts = append(g.passwordScripts, scripts...)
	return g
}

func (g *FakeGateway) ScriptValidate(scripts ...ValidateScript) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.validateScripts = append(g.validateScripts, scripts...)
	return g
}

func (g *FakeGateway) ScriptLogout(scripts ...LogoutScript) *FakeGateway {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.logoutScripts = append(g.logoutScripts, scripts...)
	return g
}

func (g *FakeGateway) PairRequests() []core.PairRequest {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.PairRequest, 0, len(g.pairRequests))
	for _, item := range g.pairRequests {
		out = append(out, clonePairRequest(item))
	}
	return out
}

func (g *FakeGateway) AwaitRequests() []core.AwaitRequest {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.AwaitRequest(nil), g.awaitRequests...)
}

func (g *FakeGateway) PasswordRequests() []core.PasswordRequest {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]core.PasswordRequest(nil), g.passwordRequests...)
}

func (g *FakeGateway) ValidateRequests() []core.ValidateRequest {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.ValidateRequest, 0, len(g.validateRequests))
	for _, item := range g.validateRequests {
		out = append(out, cloneValidateRequest(item))
	}
	return out
}

func (g *FakeGateway) LogoutRequests() []core.LogoutRequest {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]core.LogoutRequest, 0, len(g.logoutRequests))
	for _, item := range g.logoutRequests {
		out = append(out, cloneLogoutRequest(item))
	}
	return out
}

func scriptAt[T any](scripts []T, index int) (T, bool) {
	var zero T
	if len(scripts) == 0 {
		return zero, false
	}
	if index < len(scripts) {
		return scripts[index], true
	}
	return scripts[len(scripts)-1], true
}

func clonePairRequest(in core.PairRequest) core.PairRequest {
	out := core.PairRequest{
		TenantID: in.TenantID,
		Kind:     in.Kind,
		Metadata: map[string]any{},
	}
	for key, value := range in.Metadata {
		out.Metadata[key] = value
	}
	return out
}

func cloneChallenge(in core.PairChallenge) core.PairChallenge {
	out := core.PairChallenge{
		ChallengeID: in.ChallengeID,
		Payload:     append([]byte(nil), in.Payload...),
		ExpiresIn:   in.ExpiresIn,
		Metadata:    map[string]any{},
	}
	for key, value := range in.Metadata {
		out.Metadata[key] = value
	}
	return out
}

func cloneDecision(in core.PairDecision) core.PairDecision {
	out := core.PairDecision{
		Outcome:    in.Outcome,
		Credential: append([]byte(nil), in.Credential...),
		Metadata:   map[string]any{},
	}
	for key, value := range in.Metadata {
		out.Metadata[key] = value
	}
	return out
}

func clonePasswordResult(in core.PasswordResult) core.PasswordResult {
	out := core.PasswordResult{
		Accepted:   in.Accepted,
		Rejected:   in.Rejected,
		Credential: append([]byte(nil), in.Credential...),
		Metadata:   map[string]any{},
	}
	for key, value := range in.Metadata {
		out.Metadata[key] = value
	}
	return out
}

func cloneValidateRequest(in core.ValidateRequest) core.ValidateRequest {
	return core.ValidateRequest{
		TenantID:   in.TenantID,
		Credential: append([]byte(nil), in.Credential...),
	}
}

func cloneValidateResult(in core.ValidateResult) core.ValidateResult {
	out := core.ValidateResult{
		Valid:    in.Valid,
		Revoked:  in.Revoked,
		Metadata: map[string]any{},
	}
	for key, value := range in.Metadata {
		out.Metadata[key] = value
	}
	return out
}

func cloneLogoutRequest(in core.LogoutRequest) core.LogoutRequest {
	return core.LogoutRequest{
		TenantID:   in.TenantID,
		Credential: append([]byte(nil), in.Credential...),
	}
}

var _ core.UpstreamGateway = (*FakeGateway)(nil)
