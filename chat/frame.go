package chat

import (
	"encoding/json"
	"fmt"
)

// socket wire envelope, both directions:
// `{"type": "request"|"response"|"change"|"operation", "body": {...}}`

type FrameType string

const (
	FrameTypeRequest   FrameType = "request"
	FrameTypeResponse  FrameType = "response"
	FrameTypeChange    FrameType = "change"
	FrameTypeOperation FrameType = "operation"
)

func parseFrameType(s string) (FrameType, error) {
	switch frameType := FrameType(s); frameType {
	case FrameTypeRequest, FrameTypeResponse, FrameTypeChange, FrameTypeOperation:
		return frameType, nil
	default:
		return "", fmt.Errorf("Unknown frame type: %s", s)
	}
}

type ChangeOperation string

const (
	ChangeOperationCreate ChangeOperation = "create"
	ChangeOperationUpdate ChangeOperation = "update"
	ChangeOperationDelete ChangeOperation = "delete"
)

func parseChangeOperation(s string) (ChangeOperation, error) {
	switch changeOperation := ChangeOperation(s); changeOperation {
	case ChangeOperationCreate, ChangeOperationUpdate, ChangeOperationDelete:
		return changeOperation, nil
	default:
		return "", fmt.Errorf("Unknown change operation: %s", s)
	}
}

type Frame struct {
	Type FrameType
	// the decoded body
	Body map[string]any
	// the full decoded frame
	Raw map[string]any
}

type rawFrame struct {
	Type string         `json:"type"`
	Body map[string]any `json:"body"`
}

func EncodeFrame(frameType FrameType, body map[string]any) ([]byte, error) {
	return json.Marshal(&rawFrame{
		Type: string(frameType),
		Body: body,
	})
}

func DecodeFrame(b []byte) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	frameType, err := parseFrameType(raw.Type)
	if err != nil {
		return nil, err
	}
	var full map[string]any
	if err := json.Unmarshal(b, &full); err != nil {
		return nil, err
	}
	body := raw.Body
	if body == nil {
		body = map[string]any{}
	}
	return &Frame{
		Type: frameType,
		Body: body,
		Raw:  full,
	}, nil
}

// `change` frame body:
// `{"operation": "create"|"update"|"delete", "object": {"id": ..., ...}, "data": ...}`
type ChangeFrame struct {
	Operation ChangeOperation
	ObjectId  string
	Object    map[string]any
	// create: the full object
	Data map[string]any
	// update: the ordered patch operations
	Patches []*PatchOperation
	// delete: the deletion mode, e.g. "my_devices", "all_participants"
	DeletionMode string
}

func ParseChangeFrame(frame *Frame) (*ChangeFrame, error) {
	if frame.Type != FrameTypeChange {
		return nil, fmt.Errorf("Not a change frame: %s", frame.Type)
	}
	operationStr, _ := frame.Body["operation"].(string)
	operation, err := parseChangeOperation(operationStr)
	if err != nil {
		return nil, err
	}
	object, _ := frame.Body["object"].(map[string]any)
	if object == nil {
		return nil, fmt.Errorf("Change frame missing object.")
	}
	objectId, _ := object["id"].(string)
	if objectId == "" {
		return nil, fmt.Errorf("Change frame missing object id.")
	}

	changeFrame := &ChangeFrame{
		Operation: operation,
		ObjectId:  objectId,
		Object:    object,
	}
	switch operation {
	case ChangeOperationCreate:
		data, _ := frame.Body["data"].(map[string]any)
		if data == nil {
			data = object
		}
		changeFrame.Data = data
	case ChangeOperationUpdate:
		patchesAny, _ := frame.Body["data"].([]any)
		patches, err := ParsePatchOperations(patchesAny)
		if err != nil {
			return nil, err
		}
		changeFrame.Patches = patches
	case ChangeOperationDelete:
		if data, ok := frame.Body["data"].(map[string]any); ok {
			changeFrame.DeletionMode, _ = data["mode"].(string)
		}
	}
	return changeFrame, nil
}
