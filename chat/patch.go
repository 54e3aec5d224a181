package chat

import (
	"fmt"
	"strings"
)

// patch operations are pushed by the server in `change`/`update` frames and
// applied in order to the property tree of a cached object.
// `{"operation": "set"|"add"|"remove"|"delete", "property": "<dotted.path>", "id": "<elementId>", "value": ...}`

type PatchOperationType string

const (
	PatchOperationSet    PatchOperationType = "set"
	PatchOperationAdd    PatchOperationType = "add"
	PatchOperationRemove PatchOperationType = "remove"
	PatchOperationDelete PatchOperationType = "delete"
)

func parsePatchOperationType(s string) (PatchOperationType, error) {
	switch patchOperationType := PatchOperationType(s); patchOperationType {
	case PatchOperationSet, PatchOperationAdd, PatchOperationRemove, PatchOperationDelete:
		return patchOperationType, nil
	default:
		return "", fmt.Errorf("Unknown patch operation: %s", s)
	}
}

// a parsed dotted property path
// segments address map keys, or elements of an ordered collection by element id.
// a segment that is an entity id (`layer:///...`) runs to the end of the path,
// since identity ids may themselves contain dots.
type PatchPath []string

func ParsePatchPath(property string) (PatchPath, error) {
	if property == "" {
		return nil, fmt.Errorf("Empty patch property.")
	}
	path := PatchPath{}
	rest := property
	for rest != "" {
		if strings.HasPrefix(rest, EntityIdPrefix) {
			path = append(path, rest)
			break
		}
		segment, next, found := strings.Cut(rest, ".")
		if segment == "" {
			return nil, fmt.Errorf("Empty segment in patch property: %s", property)
		}
		path = append(path, segment)
		if !found {
			break
		}
		if next == "" {
			return nil, fmt.Errorf("Trailing dot in patch property: %s", property)
		}
		rest = next
	}
	return path, nil
}

// the top level property the path changes. Change notifications are per top level property.
func (self PatchPath) Root() string {
	return self[0]
}

func (self PatchPath) String() string {
	return strings.Join(self, ".")
}

type PatchOperation struct {
	Operation PatchOperationType
	Property  string
	Path      PatchPath
	// element id for collection operations
	Id       string
	Value    any
	HasValue bool
	// optional insert position for `add`
	Index *int
}

func ParsePatchOperation(m map[string]any) (*PatchOperation, error) {
	operationStr, _ := m["operation"].(string)
	operation, err := parsePatchOperationType(operationStr)
	if err != nil {
		return nil, err
	}
	property, _ := m["property"].(string)
	path, err := ParsePatchPath(property)
	if err != nil {
		return nil, err
	}
	patchOperation := &PatchOperation{
		Operation: operation,
		Property:  property,
		Path:      path,
	}
	patchOperation.Id, _ = m["id"].(string)
	patchOperation.Value, patchOperation.HasValue = m["value"]
	if index, ok := m["index"].(float64); ok {
		i := int(index)
		patchOperation.Index = &i
	}
	return patchOperation, nil
}

func ParsePatchOperations(patchesAny []any) ([]*PatchOperation, error) {
	patches := make([]*PatchOperation, 0, len(patchesAny))
	for _, patchAny := range patchesAny {
		m, ok := patchAny.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("Patch operation must be an object: %T", patchAny)
		}
		patch, err := ParsePatchOperation(m)
		if err != nil {
			return nil, err
		}
		patches = append(patches, patch)
	}
	return patches, nil
}

// applies one patch operation to the tree in place
func applyPatch(tree map[string]any, patch *PatchOperation) error {
	create := patch.Operation == PatchOperationSet || patch.Operation == PatchOperationAdd
	parent, key, err := resolveParent(tree, patch.Path, create)
	if err != nil {
		if !create {
			// nothing to remove
			return nil
		}
		return err
	}

	switch patch.Operation {
	case PatchOperationSet:
		value := normalizeValue(patch.Value)
		if patch.Id != "" {
			collection, _ := getChild(parent, key).([]any)
			setChild(parent, key, replaceElement(collection, patch.Id, value))
			return nil
		}
		setChild(parent, key, value)
		return nil

	case PatchOperationDelete:
		if patch.Id != "" {
			if collection, ok := getChild(parent, key).([]any); ok {
				setChild(parent, key, removeElement(collection, patch.Id))
			}
			return nil
		}
		deleteChild(parent, key)
		return nil

	case PatchOperationAdd:
		collection, ok := getChild(parent, key).([]any)
		if !ok {
			if getChild(parent, key) != nil {
				return fmt.Errorf("Add to a non collection property: %s", patch.Property)
			}
			collection = []any{}
		}
		value := normalizeValue(patch.Value)
		if !patch.HasValue {
			value = patch.Id
		}
		elementId := patch.Id
		if elementId == "" {
			elementId = elementIdOf(value)
		}
		if i := indexOfElement(collection, elementId); 0 <= i {
			collection[i] = value
		} else if patch.Index != nil && 0 <= *patch.Index && *patch.Index < len(collection) {
			collection = append(collection[:*patch.Index], append([]any{value}, collection[*patch.Index:]...)...)
		} else {
			collection = append(collection, value)
		}
		setChild(parent, key, collection)
		return nil

	case PatchOperationRemove:
		collection, ok := getChild(parent, key).([]any)
		if !ok {
			return nil
		}
		elementId := patch.Id
		if elementId == "" {
			elementId = elementIdOf(normalizeValue(patch.Value))
		}
		setChild(parent, key, removeElement(collection, elementId))
		return nil

	default:
		return fmt.Errorf("Unknown patch operation: %s", patch.Operation)
	}
}

// a container is a `map[string]any` or a `[]any` held by its own parent.
// collections are addressed through a holder so that splices can be written back.
type collectionHolder struct {
	parent any
	key    string
}

// walks to the container of the last path segment
func resolveParent(tree map[string]any, path PatchPath, create bool) (parent any, key string, err error) {
	var current any = tree
	for i := 0; i < len(path)-1; i += 1 {
		segment := path[i]
		child := getChild(current, segment)
		if child == nil {
			if !create {
				return nil, "", fmt.Errorf("Patch path not found: %s", path)
			}
			child = map[string]any{}
			setChild(current, segment, child)
		}
		switch v := child.(type) {
		case map[string]any:
			current = v
		case []any:
			current = &collectionHolder{
				parent: current,
				key:    segment,
			}
		default:
			return nil, "", fmt.Errorf("Patch path through a scalar: %s", path)
		}
	}
	return current, path[len(path)-1], nil
}

func getChild(container any, key string) any {
	switch v := container.(type) {
	case map[string]any:
		return v[key]
	case *collectionHolder:
		collection, _ := getChild(v.parent, v.key).([]any)
		if i := indexOfElement(collection, key); 0 <= i {
			return collection[i]
		}
	}
	return nil
}

func setChild(container any, key string, value any) {
	switch v := container.(type) {
	case map[string]any:
		v[key] = value
	case *collectionHolder:
		collection, _ := getChild(v.parent, v.key).([]any)
		setChild(v.parent, v.key, replaceElement(collection, key, value))
	}
}

func deleteChild(container any, key string) {
	switch v := container.(type) {
	case map[string]any:
		delete(v, key)
	case *collectionHolder:
		collection, _ := getChild(v.parent, v.key).([]any)
		setChild(v.parent, v.key, removeElement(collection, key))
	}
}

// elements are matched by their `id` property, or by value for scalar elements
func elementIdOf(element any) string {
	switch v := element.(type) {
	case map[string]any:
		id, _ := v["id"].(string)
		return id
	case string:
		return v
	default:
		return ""
	}
}

func indexOfElement(collection []any, elementId string) int {
	if elementId == "" {
		return -1
	}
	for i, element := range collection {
		if elementIdOf(element) == elementId {
			return i
		}
	}
	return -1
}

func replaceElement(collection []any, elementId string, value any) []any {
	if i := indexOfElement(collection, elementId); 0 <= i {
		collection[i] = value
		return collection
	}
	return append(collection, value)
}

// preserves the relative order of the remaining elements
func removeElement(collection []any, elementId string) []any {
	i := indexOfElement(collection, elementId)
	if i < 0 {
		return collection
	}
	next := make([]any, 0, len(collection)-1)
	next = append(next, collection[:i]...)
	next = append(next, collection[i+1:]...)
	return next
}

// copies maps and slices so that the tree never aliases frame data,
// and widens numbers to float64 to match json decoding
func normalizeValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		m := make(map[string]any, len(v))
		for key, child := range v {
			m[key] = normalizeValue(child)
		}
		return m
	case []any:
		s := make([]any, len(v))
		for i, child := range v {
			s[i] = normalizeValue(child)
		}
		return s
	case []string:
		s := make([]any, len(v))
		for i, child := range v {
			s[i] = child
		}
		return s
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case float32:
		return float64(v)
	default:
		return v
	}
}
