package call

import (
	"context"
	"time"

	"callcoach-server/pkg/coaching"
	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// End finalizes the session and returns the completion record. Only the
// first call does any work; later and concurrent calls wait for it and get
// the same result. Finalization runs detached from ctx cancellation, bounded
// by finalizeTimeout, so a caller going away cannot leave the call without
// its completed record.
func (s *Session) End(ctx context.Context, reason string) *coaching.CallCompletion {
	s.endOnce.Do(func() {
		defer close(s.done)
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		s.completion = s.finalize(fctx, reason)
	})
	<-s.done
	return s.completion
}

// step runs one finalization step. Failures and panics are logged so the
// remaining steps always run.
func (s *Session) step(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(logrus.Fields{
				"step":  name,
				"panic": r,
			}).Error("Recovered from panic during finalization")
		}
	}()

	if err := fn(); err != nil {
		s.logger.WithError(err).WithField("step", name).Warn("Finalization step failed")
	}
}

func (s *Session) finalize(ctx context.Context, reason string) *coaching.CallCompletion {
	observe := metrics.ObserveFinalize()
	defer observe()

	s.logger.WithField("reason", reason).Info("Finalizing call")

	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()

	// Wait out any HandleAudio already past the ended check.
	s.audioMu.Lock()
	s.audioMu.Unlock()

	s.step("close_transcription", s.stream.Close)

	s.mu.Lock()
	s.drained = true
	s.mu.Unlock()

	s.step("drain_extraction", func() error {
		return s.drainExtraction(ctx)
	})

	s.mu.Lock()
	talk := s.talk.Totals()
	transcript := s.aggregator.Transcript()
	s.mu.Unlock()

	s.step("persist_talk_time", func() error {
		s.publish(coaching.EventTalkTime, talk)
		return s.deps.Store.UpdateTalkTime(ctx, s.record.ID, talk)
	})

	endedAt := s.deps.Clock.Now()
	duration := endedAt.Sub(s.record.StartedAt)
	if duration < 0 {
		duration = 0
	}

	if s.deps.Detector != nil && len(transcript) >= s.settings.Coaching.MinDetectionTranscriptChars {
		s.step("schedule_detection", func() error {
			s.scheduleDetection(transcript)
			return nil
		})
	}

	var recordingURL string
	s.step("upload_recording", func() error {
		url, err := s.uploadRecording(ctx)
		recordingURL = url
		return err
	})

	completion := coaching.CallCompletion{
		CallID:          s.record.ID,
		RecordingURL:    recordingURL,
		Transcript:      transcript,
		DurationSeconds: int64(duration / time.Second),
		EndedAt:         endedAt,
	}

	s.step("complete_call", func() error {
		return s.deps.Store.CompleteCall(ctx, completion)
	})

	s.mu.Lock()
	s.record.Status = coaching.StatusCompleted
	s.mu.Unlock()

	s.publish(coaching.EventStatus, coaching.StatusChange{Status: coaching.StatusCompleted})
	s.publish(coaching.EventCompleted, completion)
	if s.events != nil {
		s.events.close(ctx)
	}

	if s.finished != nil {
		s.finished(reason, duration)
	}

	s.logger.WithFields(logrus.Fields{
		"reason":           reason,
		"duration_seconds": completion.DurationSeconds,
		"recording_url":    recordingURL,
		"transcript_chars": len(transcript),
	}).Info("Call finalized")

	return &completion
}

// drainExtraction waits for in-flight passes, then runs a last pass over
// whatever is left in the buffer if it meets the size threshold.
func (s *Session) drainExtraction(ctx context.Context) error {
	if err := s.scheduler.Wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.scheduler.HasEnough(s.aggregator.BufferLen()) {
		s.mu.Unlock()
		return nil
	}
	now := s.deps.Clock.Now()
	req, audioTS := s.takeExtractionLocked()
	done := s.scheduler.Begin(now)
	s.mu.Unlock()

	defer done()
	return s.runExtraction(ctx, req, audioTS, now)
}

// scheduleDetection runs post-call analysis in the background. The call is
// completed without waiting for it.
func (s *Session) scheduleDetection(transcript string) {
	req := coaching.DetectionRequest{
		CallID:       s.record.ID,
		TeamID:       s.record.TeamID,
		Transcript:   transcript,
		Config:       s.team,
		Manifesto:    s.team.Manifesto,
		CustomPrompt: s.customPrompt,
	}

	s.background("post_call_detection", func(ctx context.Context) error {
		result, err := s.deps.Detector.Detect(ctx, req)
		if err != nil {
			metrics.RecordDetection("error")
			return err
		}
		if result == nil {
			metrics.RecordDetection("empty")
			return nil
		}
		if err := s.deps.Store.UpdateCallDetection(ctx, req.CallID, result); err != nil {
			metrics.RecordDetection("persist_error")
			return err
		}
		metrics.RecordDetection("ok")

		if s.deps.Events != nil {
			return s.deps.Events.Publish(ctx, coaching.Event{
				Type:      coaching.EventDetection,
				CallID:    req.CallID,
				TeamID:    req.TeamID,
				Timestamp: s.deps.Clock.Now(),
				Data:      result,
			})
		}
		return nil
	})
}

// uploadRecording seals the spill file and streams it to object storage.
// The spill file is removed whatever the outcome; failures yield "".
func (s *Session) uploadRecording(ctx context.Context) (string, error) {
	defer func() {
		if err := s.recording.Remove(); err != nil {
			s.logger.WithError(err).Warn("Failed to remove recording spill file")
		}
	}()

	if err := s.recording.Seal(); err != nil {
		metrics.RecordUpload("error")
		return "", errors.Wrap(errors.ErrStorageFailure, err.Error())
	}
	if s.deps.Storage == nil || s.recording.Size() == 0 {
		metrics.RecordUpload("skipped")
		return "", nil
	}

	wav, size, err := s.recording.Open()
	if err != nil {
		metrics.RecordUpload("error")
		return "", errors.Wrap(errors.ErrStorageFailure, err.Error())
	}
	defer wav.Close()

	url, err := s.deps.Storage.Upload(ctx, s.record.TeamID, s.record.ID, wav, size, s.record.SampleRate)
	if err != nil {
		metrics.RecordUpload("error")
		return "", errors.Wrap(errors.ErrStorageFailure, err.Error())
	}

	metrics.RecordUpload("ok")
	return url, nil
}
