package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPermissionsForRole(t *testing.T) {
	owner := &Participant{Permissions: PermissionsForRole(RoleOwner)}
	for _, perm := range []Permission{PermissionRead, PermissionWrite, PermissionComment, PermissionDelete, PermissionAdmin, PermissionShare} {
		assert.True(t, owner.HasPermission(perm), "owner should have %s", perm)
	}

	editor := &Participant{Permissions: PermissionsForRole(RoleEditor)}
	assert.ElementsMatch(t, []Permission{PermissionRead, PermissionWrite, PermissionComment}, editor.Permissions)
	assert.False(t, editor.HasPermission(PermissionAdmin))

	assert.Equal(t, []Permission{PermissionRead}, PermissionsForRole(RoleViewer))
	assert.Equal(t, []Permission{PermissionRead, PermissionComment}, PermissionsForRole(RoleCommenter))
	assert.Nil(t, PermissionsForRole(Role("guest")))
}

func TestParseRole(t *testing.T) {
	role, err := ParseRole("editor")
	require.NoError(t, err)
	assert.Equal(t, RoleEditor, role)

	_, err = ParseRole("superuser")
	assert.Error(t, err)
}

func TestParseResourceKindDefaultsToFile(t *testing.T) {
	kind, err := ParseResourceKind("")
	require.NoError(t, err)
	assert.Equal(t, ResourceFile, kind)

	_, err = ParseResourceKind("folder")
	assert.Error(t, err)
}

func TestResourceLockIsExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	lock := ResourceLock{ExpiresAt: now.Add(time.Second)}

	assert.False(t, lock.IsExpired(now))
	assert.True(t, lock.IsExpired(now.Add(time.Second)))
}

func TestDeltaValidate(t *testing.T) {
	d := DeltaUpdate{ResourceID: "file-1", Operation: DeltaOpInsert}
	assert.NoError(t, d.Validate())

	d.Operation = "move"
	assert.Error(t, d.Validate())

	d = DeltaUpdate{Operation: DeltaOpDelete}
	assert.Error(t, d.Validate())
}

func TestNewSyncMessage(t *testing.T) {
	msg, err := NewSyncMessage(MessageAck, "s1", "u1", AckData{MessageID: "m1"})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, MessageAck, msg.Type)
	assert.JSONEq(t, `{"messageId":"m1"}`, string(msg.Data))
}

func TestEventRecordRoundTripKeepsSequence(t *testing.T) {
	ev := CollaborationEvent{ID: "e1", SessionID: "s1", Type: EventUserJoined, SequenceNumber: 7}
	rec := NewEventRecord(ev)

	assert.Equal(t, "null", string(rec.Data))
	back := rec.Event()
	assert.Equal(t, uint64(7), back.SequenceNumber)
	assert.Equal(t, EventUserJoined, back.Type)
}

func TestEventRecordBeforeCreateAssignsKSUID(t *testing.T) {
	record := &EventRecord{EventID: "ev-1"}
	require.NoError(t, record.BeforeCreate(nil))
	assert.Len(t, record.ID, 27)

	kept := &EventRecord{ID: "fixed"}
	require.NoError(t, kept.BeforeCreate(nil))
	assert.Equal(t, "fixed", kept.ID)
}
