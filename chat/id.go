package chat

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ids of local objects: sync events, socket requests, lease owners
// ulids are ordered by create time, which the queue relies on as a tie breaker

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func RequireParseId(idStr string) Id {
	id, err := ParseId(idStr)
	if err != nil {
		panic(err)
	}
	return id
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[:], b[:]) < 0
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// entity ids are uris of the form `layer:///<collection>/<uuid>`
// these are assigned by the client for new objects and accepted by the server,
// except for placeholder ids which the server replaces on create

const EntityIdPrefix = "layer:///"

const placeholderPrefix = "temp_"

type ObjectType string

const (
	ObjectTypeUnknown      ObjectType = ""
	ObjectTypeConversation ObjectType = "conversation"
	ObjectTypeChannel      ObjectType = "channel"
	ObjectTypeMessage      ObjectType = "message"
	ObjectTypeIdentity     ObjectType = "identity"
	ObjectTypeMembership   ObjectType = "membership"
	ObjectTypeAnnouncement ObjectType = "announcement"
)

var objectTypeCollections = map[ObjectType]string{
	ObjectTypeConversation: "conversations",
	ObjectTypeChannel:      "channels",
	ObjectTypeMessage:      "messages",
	ObjectTypeIdentity:     "identities",
	ObjectTypeMembership:   "members",
	ObjectTypeAnnouncement: "announcements",
}

func (self ObjectType) Collection() string {
	return objectTypeCollections[self]
}

func ObjectTypeOf(entityId string) ObjectType {
	collection, _, ok := splitEntityId(entityId)
	if !ok {
		return ObjectTypeUnknown
	}
	for objectType, c := range objectTypeCollections {
		if c == collection {
			return objectType
		}
	}
	return ObjectTypeUnknown
}

func NewEntityId(objectType ObjectType) string {
	return fmt.Sprintf("%s%s/%s", EntityIdPrefix, objectType.Collection(), uuid.NewString())
}

func NewPlaceholderId(objectType ObjectType) string {
	return fmt.Sprintf("%s%s/%s%s", EntityIdPrefix, objectType.Collection(), placeholderPrefix, uuid.NewString())
}

func IsPlaceholderId(entityId string) bool {
	_, localId, ok := splitEntityId(entityId)
	return ok && strings.HasPrefix(localId, placeholderPrefix)
}

// the resource path of an entity id, e.g. `conversations/<uuid>`
func EntityPath(entityId string) string {
	return strings.TrimPrefix(entityId, EntityIdPrefix)
}

func splitEntityId(entityId string) (collection string, localId string, ok bool) {
	rest, found := strings.CutPrefix(entityId, EntityIdPrefix)
	if !found {
		return "", "", false
	}
	// memberships are nested under channels, `layer:///channels/<uuid>/members/<uuid>`
	parts := strings.Split(rest, "/")
	if len(parts) < 2 || len(parts)%2 != 0 {
		return "", "", false
	}
	return parts[len(parts)-2], parts[len(parts)-1], true
}
