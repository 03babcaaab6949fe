package stt

import (
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/transcribestreaming/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmazonChunks(t *testing.T) {
	event := types.TranscriptEvent{
		Transcript: &types.Transcript{
			Results: []types.Result{
				{
					IsPartial: true,
					StartTime: 3.25,
					Alternatives: []types.Alternative{{
						Transcript: aws.String("we tried an agency"),
						Items: []types.Item{
							{Content: aws.String("we"), Speaker: aws.String("spk_1")},
							{Content: aws.String("tried"), Speaker: aws.String("spk_1")},
							{Content: aws.String("an"), Speaker: aws.String("spk_0")},
						},
					}},
				},
				{Alternatives: []types.Alternative{{Transcript: aws.String("   ")}}},
				{},
			},
		},
	}

	chunks := amazonChunks(event)
	require.Len(t, chunks, 1)
	assert.Equal(t, "spk_1", chunks[0].SpeakerID)
	assert.Equal(t, "we tried an agency", chunks[0].Text)
	assert.False(t, chunks[0].IsFinal)
	assert.Equal(t, 3.25, chunks[0].AudioTimestamp)

	assert.Nil(t, amazonChunks(types.TranscriptEvent{}))
}

func TestGoogleChunks(t *testing.T) {
	resp := &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{
			{
				IsFinal: true,
				Alternatives: []*speechpb.SpeechRecognitionAlternative{{
					Transcript: "it is too expensive",
					Words: []*speechpb.WordInfo{
						{Word: "it", SpeakerTag: 2},
						{Word: "is", SpeakerTag: 2},
						{Word: "too", SpeakerTag: 1},
					},
				}},
			},
			{
				Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: "interim"}},
			},
			{Alternatives: []*speechpb.SpeechRecognitionAlternative{{Transcript: ""}}},
		},
	}

	chunks := googleChunks(resp)
	require.Len(t, chunks, 2)
	assert.Equal(t, "2", chunks[0].SpeakerID)
	assert.True(t, chunks[0].IsFinal)
	assert.Equal(t, "0", chunks[1].SpeakerID)
	assert.False(t, chunks[1].IsFinal)
}
