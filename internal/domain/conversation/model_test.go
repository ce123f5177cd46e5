package conversation

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		want     bool
	}{
		{DeliverySending, DeliverySent, true},
		{DeliverySending, DeliveryRead, true},
		{DeliverySent, DeliveryDelivered, true},
		{DeliveryDelivered, DeliveryRead, true},
		{DeliverySent, DeliverySending, false},
		{DeliveryDelivered, DeliverySent, false},
		{DeliverySent, DeliverySent, false},
		{DeliverySending, DeliveryFailed, true},
		{DeliveryDelivered, DeliveryFailed, true},
		{DeliveryRead, DeliveryFailed, false},
		{DeliveryFailed, DeliverySent, false},
		{DeliveryFailed, DeliveryFailed, false},
		{DeliveryStatus("bogus"), DeliverySent, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestIdentityKey_Normalize(t *testing.T) {
	tenant := uuid.New()

	wa := IdentityKey{Channel: ChannelWhatsApp, ExternalID: "521", TenantID: &tenant}.Normalize()
	assert.Equal(t, tenant.String(), wa.TenantKey())

	fb := IdentityKey{Channel: ChannelMessenger, ExternalID: "psid", TenantID: &tenant}.Normalize()
	assert.Nil(t, fb.TenantID)
	assert.Equal(t, "", fb.TenantKey())
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "hola", Snippet("hola", MessageText))
	assert.Equal(t, "[image]", Snippet("", MessageImage))
	assert.Equal(t, "[file]", Snippet("", MessageFile))
	assert.Equal(t, "", Snippet("", MessageSystem))

	long := strings.Repeat("ñ", 250)
	assert.Equal(t, 200, len([]rune(Snippet(long, MessageText))))
}

func TestScope_Allows(t *testing.T) {
	north, south := uuid.New(), uuid.New()

	assert.True(t, Scope{Privileged: true}.Allows(&south))
	assert.True(t, Scope{BranchIDs: []uuid.UUID{north}}.Allows(&north))
	assert.False(t, Scope{BranchIDs: []uuid.UUID{north}}.Allows(&south))
	assert.True(t, Scope{}.Allows(nil), "branchless conversations are visible to all staff")

	assert.Nil(t, Scope{Privileged: true}.BranchFilter())
	assert.NotNil(t, Scope{}.BranchFilter())
}

func TestIsPlaceholderName(t *testing.T) {
	assert.True(t, IsPlaceholderName("", "521"))
	assert.True(t, IsPlaceholderName("521", "521"))
	assert.True(t, IsPlaceholderName("+5215512345678", "x"))
	assert.False(t, IsPlaceholderName("Laura", "521"))
	assert.False(t, IsPlaceholderName("Room 101", "521"))
}
