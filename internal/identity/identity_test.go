package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/identity"
	"github.com/lengolf/inbox/internal/inbox"
	"github.com/lengolf/inbox/internal/inbox/memstore"
)

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"081-234-5678":     "+66812345678",
		"0812345678":       "+66812345678",
		"+66 81 234 5678":  "+66812345678",
		"66812345678":      "+66812345678",
		"02 123 4567":      "+6621234567",
		"(02) 123-4567":    "+6621234567",
		"+1 415 555 0100":  "+14155550100",
		"+44 20 7946 0958": "+442079460958",
		"":                 "",
		"12345":            "",
		"081234567890123":  "",
		"call me":          "",
	}
	for in, want := range cases {
		assert.Equal(t, want, identity.NormalizePhone(in), "NormalizePhone(%q)", in)
	}
}

func TestNormalizeEmail(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "golfer@example.com", identity.NormalizeEmail("  Golfer@Example.COM "))
	assert.Equal(t, "", identity.NormalizeEmail("golfer@localhost"))
	assert.Equal(t, "", identity.NormalizeEmail("@example.com"))
	assert.Equal(t, "", identity.NormalizeEmail("golfer@"))
	assert.Equal(t, "", identity.NormalizeEmail("not an email"))
}

type fixture struct {
	store    *memstore.Store
	resolver *identity.Resolver
	key      inbox.UserKey
}

func newFixture(t *testing.T, meta map[string]string, customers ...identity.Customer) fixture {
	t.Helper()
	store := memstore.New()
	key := inbox.UserKey{Channel: channel.ChannelLINE, ChannelUserID: "U1"}
	_, err := store.UpsertChannelUser(context.Background(), inbox.ChannelUser{UserKey: key, Metadata: meta, LastSeenAt: time.Now()})
	require.NoError(t, err)
	_, err = store.EnsureConversation(context.Background(), key, "")
	require.NoError(t, err)
	return fixture{
		store:    store,
		resolver: identity.NewResolver(nil, store, identity.NewMemoryDirectory(customers...)),
		key:      key,
	}
}

func (f fixture) user(t *testing.T) inbox.ChannelUser {
	t.Helper()
	u, err := f.store.GetChannelUser(context.Background(), f.key)
	require.NoError(t, err)
	return u
}

func TestResolveByPhone(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"phone": "081 234 5678"},
		identity.Customer{ID: "C1", Name: "Somchai", Phone: "+66812345678"},
		identity.Customer{ID: "C2", Name: "Other", Phone: "+66899999999"},
	)
	id, err := f.resolver.Resolve(context.Background(), f.user(t))
	require.NoError(t, err)
	assert.Equal(t, "C1", id)

	u := f.user(t)
	assert.Equal(t, "C1", u.CustomerID)
	assert.Equal(t, inbox.LinkPhone, u.LinkedBy)

	convs, err := f.store.ListConversations(context.Background(), inbox.ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "C1", convs[0].CustomerID)
}

func TestResolveByEmailWhenPhoneMissing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"email": "Golfer@Example.com"},
		identity.Customer{ID: "C7", Email: "golfer@example.com"},
	)
	id, err := f.resolver.Resolve(context.Background(), f.user(t))
	require.NoError(t, err)
	assert.Equal(t, "C7", id)
	assert.Equal(t, inbox.LinkEmail, f.user(t).LinkedBy)
}

func TestResolveAmbiguousStaysUnlinked(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"phone": "0812345678"},
		identity.Customer{ID: "C1", Phone: "0812345678"},
		identity.Customer{ID: "C2", Phone: "+66812345678"},
	)
	id, err := f.resolver.Resolve(context.Background(), f.user(t))
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Empty(t, f.user(t).CustomerID)
}

func TestResolveNoMatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"phone": "0812345678"})
	id, err := f.resolver.Resolve(context.Background(), f.user(t))
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestResolveKeepsExistingLink(t *testing.T) {
	t.Parallel()

	f := newFixture(t, map[string]string{"phone": "0812345678"},
		identity.Customer{ID: "C1", Phone: "0812345678"},
		identity.Customer{ID: "C9"},
	)
	_, err := f.resolver.Link(context.Background(), f.key, "C9", false)
	require.NoError(t, err)

	id, err := f.resolver.Resolve(context.Background(), f.user(t))
	require.NoError(t, err)
	assert.Equal(t, "C9", id, "automatic match must not overwrite a manual link")
	assert.Equal(t, inbox.LinkManual, f.user(t).LinkedBy)
}

func TestLinkRequiresOverrideForDifferentCustomer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, identity.Customer{ID: "C1"}, identity.Customer{ID: "C2"})
	ctx := context.Background()

	_, err := f.resolver.Link(ctx, f.key, "C1", false)
	require.NoError(t, err)

	// Same customer again is idempotent.
	u, err := f.resolver.Link(ctx, f.key, "C1", false)
	require.NoError(t, err)
	assert.Equal(t, "C1", u.CustomerID)

	_, err = f.resolver.Link(ctx, f.key, "C2", false)
	assert.True(t, errors.Is(err, identity.ErrLinkConflict), "got %v", err)
	assert.Equal(t, "C1", f.user(t).CustomerID)

	u, err = f.resolver.Link(ctx, f.key, "C2", true)
	require.NoError(t, err)
	assert.Equal(t, "C2", u.CustomerID)
	assert.Equal(t, inbox.LinkManual, u.LinkedBy)
}

func TestLinkUnknownCustomer(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.resolver.Link(context.Background(), f.key, "ghost", false)
	assert.ErrorIs(t, err, identity.ErrCustomerNotFound)
}

func TestLinkUnknownUser(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, identity.Customer{ID: "C1"})
	_, err := f.resolver.Link(context.Background(), inbox.UserKey{Channel: channel.ChannelLINE, ChannelUserID: "nobody"}, "C1", false)
	assert.ErrorIs(t, err, inbox.ErrNotFound)
}

func TestUnlinkAndCustomerFor(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, identity.Customer{ID: "C1", Name: "Somchai"})
	ctx := context.Background()
	_, err := f.resolver.Link(ctx, f.key, "C1", false)
	require.NoError(t, err)

	convs, _ := f.store.ListConversations(ctx, inbox.ConversationFilter{})
	require.Len(t, convs, 1)
	customer, err := f.resolver.CustomerFor(ctx, convs[0])
	require.NoError(t, err)
	assert.Equal(t, "Somchai", customer.Name)

	u, err := f.resolver.Unlink(ctx, f.key)
	require.NoError(t, err)
	assert.Empty(t, u.CustomerID)
	assert.Equal(t, inbox.LinkNone, u.LinkedBy)

	convs, _ = f.store.ListConversations(ctx, inbox.ConversationFilter{})
	_, err = f.resolver.CustomerFor(ctx, convs[0])
	assert.ErrorIs(t, err, identity.ErrNotLinked)
}

func TestProcessorLinksNewUserByPhone(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	resolver := identity.NewResolver(nil, store, identity.NewMemoryDirectory(
		identity.Customer{ID: "C1", Phone: "+66812345678"},
	))
	p := inbox.NewProcessor(nil, store, resolver)
	_, err := p.Process(context.Background(), channel.InboundEvent{
		Channel:           channel.ChannelWhatsApp,
		PlatformMessageID: "wamid.1",
		ChannelUserID:     "66812345678",
		Profile:           channel.Profile{DisplayName: "Somchai", Metadata: map[string]string{"phone": "+66812345678"}},
		ContentType:       channel.ContentText,
		Text:              "Is bay 3 free tonight?",
		OccurredAt:        time.Now(),
	})
	require.NoError(t, err)

	convs, err := store.ListConversations(context.Background(), inbox.ConversationFilter{})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "C1", convs[0].CustomerID)
}
