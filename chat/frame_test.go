package chat

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDecodeFrame(t *testing.T) {
	frame, err := DecodeFrame([]byte(`{"type": "response", "body": {"request_id": "r1", "success": true, "data": [1]}, "counter": 3}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Type, FrameTypeResponse)
	assert.Equal(t, frame.Body["data"], []any{float64(1)})
	assert.Equal(t, frame.Raw["counter"], float64(3))

	frame, err = DecodeFrame([]byte(`{"type": "operation"}`))
	assert.Equal(t, err, nil)
	assert.Equal(t, frame.Body, map[string]any{})

	_, err = DecodeFrame([]byte(`{"type": "signal", "body": {}}`))
	assert.NotEqual(t, err, nil)
	_, err = DecodeFrame([]byte(`{"type":`))
	assert.NotEqual(t, err, nil)
}

func TestParseChangeFrame(t *testing.T) {
	messageId := NewEntityId(ObjectTypeMessage)

	changeFrame, err := ParseChangeFrame(testChangeFrame(t, map[string]any{
		"operation": "update",
		"object":    map[string]any{"id": messageId},
		"data": []any{
			map[string]any{"operation": "set", "property": "is_unread", "value": false},
			map[string]any{"operation": "add", "property": "parts", "value": map[string]any{"id": "p2"}},
		},
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, changeFrame.Operation, ChangeOperationUpdate)
	assert.Equal(t, changeFrame.ObjectId, messageId)
	assert.Equal(t, len(changeFrame.Patches), 2)
	assert.Equal(t, changeFrame.Patches[1].Path.Root(), "parts")

	changeFrame, err = ParseChangeFrame(testChangeFrame(t, map[string]any{
		"operation": "delete",
		"object":    map[string]any{"id": messageId},
		"data":      map[string]any{"mode": "my_devices"},
	}))
	assert.Equal(t, err, nil)
	assert.Equal(t, changeFrame.DeletionMode, "my_devices")

	_, err = ParseChangeFrame(testChangeFrame(t, map[string]any{
		"operation": "update",
		"object":    map[string]any{"id": messageId},
		"data":      []any{map[string]any{"operation": "move", "property": "a"}},
	}))
	assert.NotEqual(t, err, nil)

	_, err = ParseChangeFrame(testChangeFrame(t, map[string]any{
		"operation": "create",
		"object":    map[string]any{},
	}))
	assert.NotEqual(t, err, nil)
}
