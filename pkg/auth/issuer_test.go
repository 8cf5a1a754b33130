package auth

import (
	"context"
	"testing"
	"time"

	"github.com/casket-io/casket/pkg/model"
	"github.com/casket-io/casket/pkg/store/inmem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func userContext(id, userID string) AuthContext {
	return AuthContext{
		Kind:           model.KindUser,
		CredentialID:   id,
		Scope:          model.UserScope(userID),
		CanRead:        true,
		CanWrite:       true,
		CanIssueTicket: true,
	}
}

func TestIssuer_CreateUserToken(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	creds := inmem.NewCredentialStore(fixedClock(now))
	iss := NewIssuer(creds, IssuerClock(fixedClock(now)))

	cred, err := iss.CreateUserToken(context.Background(), "alice", "refresh-opaque")
	require.NoError(t, err)
	assert.Equal(t, model.KindUser, cred.Kind)
	assert.Equal(t, "alice", cred.User.UserID)
	assert.Equal(t, now.Add(time.Hour), cred.ExpiresAt)

	stored, err := creds.Get(cred.ID)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, stored.ID)

	_, err = iss.CreateUserToken(context.Background(), "", "")
	require.Error(t, err)
}

func TestIssuer_CreateAgentToken(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	creds := inmem.NewCredentialStore(fixedClock(now))
	iss := NewIssuer(creds, IssuerClock(fixedClock(now)))
	ctx := context.Background()

	cred, err := iss.CreateAgentToken(ctx, userContext("tok_1", "alice"), "ci-bot",
		model.Permissions{Read: true, Write: true}, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, model.KindAgent, cred.Kind)
	assert.Equal(t, "alice", cred.Agent.UserID)
	assert.Equal(t, model.UserScope("alice"), cred.Scope())
	assert.False(t, cred.Agent.Permissions.IssueTicket)
	assert.Equal(t, now.Add(24*time.Hour), cred.ExpiresAt)

	// requested lifetimes beyond the ceiling are clamped, not rejected
	cred, err = iss.CreateAgentToken(ctx, userContext("tok_1", "alice"), "long-bot",
		model.Permissions{Read: true}, 365*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultPolicy().AgentTokenMaxTTL), cred.ExpiresAt)

	_, err = iss.CreateAgentToken(ctx, userContext("tok_1", "alice"), "",
		model.Permissions{Read: true}, time.Hour)
	require.ErrorIs(t, err, ErrNameRequired)
}

func TestIssuer_AgentsCannotDelegate(t *testing.T) {
	creds := inmem.NewCredentialStore(nil)
	iss := NewIssuer(creds)

	agent := AuthContext{
		Kind:           model.KindAgent,
		CredentialID:   "agt_1",
		Scope:          model.UserScope("alice"),
		CanRead:        true,
		CanWrite:       true,
		CanIssueTicket: true,
	}
	_, err := iss.CreateAgentToken(context.Background(), agent, "sub-agent",
		model.Permissions{Read: true}, time.Hour)
	require.ErrorIs(t, err, model.ErrForbidden)
}

func TestIssuer_CreateReadTicket(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	creds := inmem.NewCredentialStore(fixedClock(now))
	root := mustKey(t, 1)
	child := mustKey(t, 2)

	iss := NewIssuer(creds,
		IssuerClock(fixedClock(now)),
		IssuerClosure(func(_ context.Context, scope string, k model.ContentKey) ([]model.ContentKey, error) {
			assert.Equal(t, model.UserScope("alice"), scope)
			return []model.ContentKey{k, child}, nil
		}),
	)

	cred, err := iss.CreateTicket(context.Background(), userContext("tok_1", "alice"), TicketRequest{
		Type:      model.TicketRead,
		Key:       &root,
		ExpiresIn: 5 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, model.KindTicket, cred.Kind)
	assert.Equal(t, model.TicketRead, cred.Ticket.Type)
	assert.Equal(t, model.UserScope("alice"), cred.Ticket.Scope)
	assert.Equal(t, "tok_1", cred.Ticket.IssuerID)
	assert.Equal(t, now.Add(5*time.Minute), cred.ExpiresAt)

	// the closure pins the whole DAG beneath the root
	assert.ElementsMatch(t, []model.ContentKey{root, child}, cred.Ticket.ReadKeys)
}

func TestIssuer_ReadTicketRequiresAKey(t *testing.T) {
	iss := NewIssuer(inmem.NewCredentialStore(nil))

	_, err := iss.CreateTicket(context.Background(), userContext("tok_1", "alice"), TicketRequest{
		Type: model.TicketRead,
	})
	require.ErrorIs(t, err, ErrKeyRequired)
}

func TestIssuer_CreateWriteTicket(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	creds := inmem.NewCredentialStore(fixedClock(now))
	iss := NewIssuer(creds, IssuerClock(fixedClock(now)))

	cred, err := iss.CreateTicket(context.Background(), userContext("tok_1", "alice"), TicketRequest{
		Type:                 model.TicketWrite,
		WriteQuota:           2048,
		AcceptedContentTypes: []string{"application/json"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.TicketWrite, cred.Ticket.Type)
	assert.Equal(t, int64(2048), cred.Ticket.WriteQuota)
	assert.Equal(t, []string{"application/json"}, cred.Ticket.AcceptedContentTypes)
	assert.Nil(t, cred.Ticket.Written, "the write-once slot starts unset")
	assert.Equal(t, DefaultPolicy().ChunkThreshold, cred.Ticket.Config.ChunkThreshold)

	// zero lifetime means the ceiling, which is minutes for write tickets
	assert.Equal(t, now.Add(DefaultPolicy().WriteTicketMaxTTL), cred.ExpiresAt)

	// defaulted quota
	cred, err = iss.CreateTicket(context.Background(), userContext("tok_1", "alice"), TicketRequest{
		Type: model.TicketWrite,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy().DefaultWriteQuota, cred.Ticket.WriteQuota)
}

func TestIssuer_TicketTTLClampedPerType(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	creds := inmem.NewCredentialStore(fixedClock(now))
	root := mustKey(t, 1)
	iss := NewIssuer(creds, IssuerClock(fixedClock(now)))
	ctx := context.Background()

	read, err := iss.CreateTicket(ctx, userContext("tok_1", "alice"), TicketRequest{
		Type:      model.TicketRead,
		Key:       &root,
		ExpiresIn: 48 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultPolicy().ReadTicketMaxTTL), read.ExpiresAt)

	write, err := iss.CreateTicket(ctx, userContext("tok_1", "alice"), TicketRequest{
		Type:      model.TicketWrite,
		ExpiresIn: 48 * time.Hour,
	})
	require.NoError(t, err)
	assert.Equal(t, now.Add(DefaultPolicy().WriteTicketMaxTTL), write.ExpiresAt)
}

func TestIssuer_TicketIssuanceRequiresTheRight(t *testing.T) {
	iss := NewIssuer(inmem.NewCredentialStore(nil))
	root := mustKey(t, 1)

	noIssue := AuthContext{
		Kind:         model.KindAgent,
		CredentialID: "agt_1",
		Scope:        model.UserScope("alice"),
		CanRead:      true,
		CanWrite:     true,
	}
	_, err := iss.CreateTicket(context.Background(), noIssue, TicketRequest{
		Type: model.TicketRead,
		Key:  &root,
	})
	require.ErrorIs(t, err, model.ErrForbidden)
}

func TestIssuer_Revoke(t *testing.T) {
	creds := inmem.NewCredentialStore(nil)
	iss := NewIssuer(creds)
	ctx := context.Background()
	alice := userContext("tok_1", "alice")

	cred, err := iss.CreateTicket(ctx, alice, TicketRequest{Type: model.TicketWrite})
	require.NoError(t, err)

	require.NoError(t, iss.Revoke(ctx, alice, cred.ID))
	_, err = creds.Get(cred.ID)
	require.Error(t, err)

	// already gone
	require.ErrorIs(t, iss.Revoke(ctx, alice, cred.ID), model.ErrNotFound)
}

func TestIssuer_RevokeStopsAtTheScopeBoundary(t *testing.T) {
	creds := inmem.NewCredentialStore(nil)
	iss := NewIssuer(creds)
	ctx := context.Background()

	cred, err := iss.CreateTicket(ctx, userContext("tok_1", "alice"), TicketRequest{Type: model.TicketWrite})
	require.NoError(t, err)

	// bob cannot revoke alice's ticket
	require.ErrorIs(t, iss.Revoke(ctx, userContext("tok_2", "bob"), cred.ID), model.ErrForbidden)

	// a ticket holder cannot revoke anything
	holder := AuthContext{Kind: model.KindTicket, Scope: model.UserScope("alice")}
	require.ErrorIs(t, iss.Revoke(ctx, holder, cred.ID), model.ErrForbidden)

	// user tokens are not revocable through this path
	seedUser(t, creds, "tok_other", "alice")
	require.ErrorIs(t, iss.Revoke(ctx, userContext("tok_1", "alice"), "tok_other"), model.ErrForbidden)

	// the owner still can
	require.NoError(t, iss.Revoke(ctx, userContext("tok_1", "alice"), cred.ID))
}
