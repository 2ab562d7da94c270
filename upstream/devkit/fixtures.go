package devkit

import (
	"time"

	"github.com/goliatone/go-sessionguard/core"
)

// QRChallengeFixture is the default pairing challenge: an opaque QR payload
// with a short platform TTL hint.
func QRChallengeFixture() core.PairChallenge {
	return core.PairChallenge{
		ChallengeID: "devkit_qr_1",
		Payload:     []byte("devkit-qr-payload"),
		ExpiresIn:   2 * time.Minute,
		Metadata:    map[string]any{"source": "devkit"},
	}
}

func CodeChallengeFixture() core.PairChallenge {
	return core.PairChallenge{
		ChallengeID: "devkit_code_1",
		Payload:     []byte("473-829"),
		ExpiresIn:   5 * time.Minute,
		Metadata:    map[string]any{"source": "devkit"},
	}
}

func ConfirmedDecision(credential []byte) core.PairDecision {
	return core.PairDecision{
		Outcome:    core.FinalizeOutcomeConfirmed,
		Credential: append([]byte(nil), credential...),
	}
}

func RejectedDecision() core.PairDecision {
	return core.PairDecision{Outcome: core.FinalizeOutcomeRejected}
}

func TwoFactorDecision() core.PairDecision {
	return core.PairDecision{Outcome: core.FinalizeOutcomeTwoFactor}
}

func ExpiredDecision() core.PairDecision {
	return core.PairDecision{Outcome: core.FinalizeOutcomeExpired}
}

func AcceptedPassword(credential []byte) core.PasswordResult {
	return core.PasswordResult{
		Accepted:   true,
		Credential: append([]byte(nil), credential...),
	}
}

func RejectedPassword() core.PasswordResult {
	return core.PasswordResult{Rejected: true}
}

// NewAuthorizedGateway scripts the one-step happy path: the first await
// reports the user confirmed the challenge and hands back the credential.
func NewAuthorizedGateway(name string, credential []byte) *FakeGateway {
	return NewFakeGateway(name).
		ScriptAwait(AwaitScript{Decision: ConfirmedDecision(credential)})
}

// NewTwoFactorGateway scripts the 2FA path: the await asks for the second
// factor and the password submission completes with the credential.
func NewTwoFactorGateway(name string, credential []byte) *FakeGateway {
	return NewFakeGateway(name).
		ScriptAwait(AwaitScript{Decision: TwoFactorDecision()}).
		ScriptPassword(PasswordScript{Result: AcceptedPassword(credential)})
}

// NewRevokedGateway scripts a platform that has already torn the login down:
// validation reports the credential revoked.
func NewRevokedGateway(name string) *FakeGateway {
	return NewFakeGateway(name).
		ScriptValidate(ValidateScript{Result: core.ValidateResult{Revoked: true}})
}

func NewReplayLedgerFixture() core.ReplayLedger {
	return core.NewMemoryReplayLedger(time.Minute)
}
