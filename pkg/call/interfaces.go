package call

import (
	"context"
	"io"

	"callcoach-server/pkg/coaching"
)

// Persistence stores call records and coaching artifacts. Only CreateCall
// is treated as critical; every other failure is logged and the session
// carries on.
type Persistence interface {
	CreateCall(ctx context.Context, rec coaching.CallRecord) error
	UpdateCallStatus(ctx context.Context, callID string, status coaching.CallStatus) error
	AddTranscriptSegment(ctx context.Context, seg coaching.TranscriptSegment) error
	AddTranscript(ctx context.Context, callID, transcript string) error
	UpdateTalkTime(ctx context.Context, callID string, talk coaching.TalkTime) error
	AddAmmoItem(ctx context.Context, item coaching.AmmoItem) error
	AddNudge(ctx context.Context, nudge coaching.Nudge) error
	UpdateCallDetection(ctx context.Context, callID string, result *coaching.DetectionResult) error
	CompleteCall(ctx context.Context, completion coaching.CallCompletion) error
	GetAmmoConfig(ctx context.Context, teamID string) (*coaching.AmmoConfig, error)
	GetTeamCustomPrompt(ctx context.Context, teamID string) (string, error)
}

// ObjectStorage uploads a finished recording and returns its reference.
type ObjectStorage interface {
	Upload(ctx context.Context, teamID, callID string, wav io.Reader, size int64, sampleRate int) (string, error)
}

// EventSink receives live coaching events.
type EventSink interface {
	Publish(ctx context.Context, event coaching.Event) error
}

// RoleAttributor maps backend speaker ids to call roles.
type RoleAttributor interface {
	Attribute(speakerID string) coaching.Role
}
