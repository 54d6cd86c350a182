// Package identity links channel users to canonical customer records.
//
// Resolution order is fixed: an existing link always wins, then a unique
// match on normalized phone, then a unique match on lowercased email. Ambiguous
// matches leave the user unlinked for staff to decide. Automatic resolution
// never overwrites a link; only an explicit staff override can.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lengolf/inbox/internal/channel"
	"github.com/lengolf/inbox/internal/inbox"
)

var (
	// ErrLinkConflict is returned when a user is already linked to another
	// customer and the caller did not ask for an override.
	ErrLinkConflict     = errors.New("identity: channel user is linked to a different customer")
	ErrCustomerNotFound = errors.New("identity: customer not found")
	ErrNotLinked        = errors.New("identity: conversation has no linked customer")
)

// Customer is the read-only view of a record owned by the customer system.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// CustomerDirectory looks customers up. Phone and email arguments are
// already normalized.
type CustomerDirectory interface {
	FindByPhone(ctx context.Context, phone string) ([]Customer, error)
	FindByEmail(ctx context.Context, email string) ([]Customer, error)
	Get(ctx context.Context, id string) (Customer, error)
}

// Resolver implements inbox.IdentityResolver plus the staff link operations.
type Resolver struct {
	users     inbox.UserStore
	directory CustomerDirectory
	logger    *slog.Logger
}

// NewResolver creates a Resolver.
func NewResolver(log *slog.Logger, users inbox.UserStore, directory CustomerDirectory) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		users:     users,
		directory: directory,
		logger:    log.With(slog.String("component", "identity")),
	}
}

// Resolve returns the customer the user is linked to, linking it first when
// exactly one customer matches its phone or email. No match returns "".
func (r *Resolver) Resolve(ctx context.Context, user inbox.ChannelUser) (string, error) {
	if user.CustomerID != "" {
		return user.CustomerID, nil
	}
	if r.directory == nil {
		return "", nil
	}
	rules := []struct {
		source linkRule
		value  string
	}{
		{ruleByPhone, NormalizePhone(user.Attribute(channel.ProfilePhone))},
		{ruleByEmail, NormalizeEmail(user.Attribute(channel.ProfileEmail))},
	}
	for _, rule := range rules {
		if rule.value == "" {
			continue
		}
		matches, err := rule.source.find(ctx, r.directory, rule.value)
		if err != nil {
			return "", fmt.Errorf("lookup by %s: %w", rule.source.by, err)
		}
		switch len(matches) {
		case 0:
			continue
		case 1:
			return r.autoLink(ctx, user.UserKey, matches[0].ID, rule.source.by)
		default:
			r.logger.Info("ambiguous customer match, leaving unlinked",
				slog.String("channel", user.Channel.String()),
				slog.String("channel_user_id", user.ChannelUserID),
				slog.String("by", string(rule.source.by)),
				slog.Int("matches", len(matches)),
			)
			return "", nil
		}
	}
	return "", nil
}

func (r *Resolver) autoLink(ctx context.Context, key inbox.UserKey, customerID string, by inbox.LinkSource) (string, error) {
	applied, err := r.users.SetCustomer(ctx, key, customerID, by, true)
	if err != nil {
		return "", fmt.Errorf("link customer: %w", err)
	}
	if applied {
		r.logger.Info("channel user linked",
			slog.String("channel", key.Channel.String()),
			slog.String("channel_user_id", key.ChannelUserID),
			slog.String("customer_id", customerID),
			slog.String("by", string(by)),
		)
		return customerID, nil
	}
	// Someone linked the user concurrently; theirs stands.
	current, err := r.users.GetChannelUser(ctx, key)
	if err != nil {
		return "", err
	}
	return current.CustomerID, nil
}

// Link is the staff action. Relinking to the same customer is a no-op;
// relinking to a different one requires override.
func (r *Resolver) Link(ctx context.Context, key inbox.UserKey, customerID string, override bool) (inbox.ChannelUser, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return inbox.ChannelUser{}, fmt.Errorf("%w: empty customer id", ErrCustomerNotFound)
	}
	if r.directory != nil {
		if _, err := r.directory.Get(ctx, customerID); err != nil {
			return inbox.ChannelUser{}, err
		}
	}
	user, err := r.users.GetChannelUser(ctx, key)
	if err != nil {
		return inbox.ChannelUser{}, err
	}
	if user.CustomerID == customerID && user.LinkedBy == inbox.LinkManual {
		return user, nil
	}
	if user.CustomerID != "" && user.CustomerID != customerID && !override {
		return user, fmt.Errorf("%w (current %s)", ErrLinkConflict, user.CustomerID)
	}
	applied, err := r.users.SetCustomer(ctx, key, customerID, inbox.LinkManual, user.CustomerID == "" && !override)
	if err != nil {
		return inbox.ChannelUser{}, err
	}
	if !applied {
		return inbox.ChannelUser{}, fmt.Errorf("%w (linked concurrently)", ErrLinkConflict)
	}
	r.logger.Info("channel user linked manually",
		slog.String("channel", key.Channel.String()),
		slog.String("channel_user_id", key.ChannelUserID),
		slog.String("customer_id", customerID),
		slog.Bool("override", override),
	)
	return r.users.GetChannelUser(ctx, key)
}

// Unlink clears the link; the user stays unlinked until resolved again.
func (r *Resolver) Unlink(ctx context.Context, key inbox.UserKey) (inbox.ChannelUser, error) {
	if _, err := r.users.SetCustomer(ctx, key, "", inbox.LinkNone, false); err != nil {
		return inbox.ChannelUser{}, err
	}
	return r.users.GetChannelUser(ctx, key)
}

// CustomerFor returns the customer profile linked to a conversation.
func (r *Resolver) CustomerFor(ctx context.Context, conv inbox.Conversation) (Customer, error) {
	if conv.CustomerID == "" {
		return Customer{}, ErrNotLinked
	}
	if r.directory == nil {
		return Customer{ID: conv.CustomerID}, nil
	}
	return r.directory.Get(ctx, conv.CustomerID)
}

type linkRule struct {
	by   inbox.LinkSource
	find func(ctx context.Context, d CustomerDirectory, value string) ([]Customer, error)
}

var (
	ruleByPhone = linkRule{by: inbox.LinkPhone, find: func(ctx context.Context, d CustomerDirectory, v string) ([]Customer, error) {
		return d.FindByPhone(ctx, v)
	}}
	ruleByEmail = linkRule{by: inbox.LinkEmail, find: func(ctx context.Context, d CustomerDirectory, v string) ([]Customer, error) {
		return d.FindByEmail(ctx, v)
	}}
)
