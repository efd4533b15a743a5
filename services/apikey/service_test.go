package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"platform-economy/pkg/errutil"
	"platform-economy/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newService(t *testing.T) *Service {
	t.Helper()
	gdb := testutil.NewTestDB(t, &APIKey{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	svc := NewService(ServiceParams{DB: gdb, Node: node})
	svc.cost = bcrypt.MinCost
	return svc
}

func TestIssueAndVerify(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	issued, err := svc.Issue(ctx, "root", IssueParams{Name: " billing "})
	require.NoError(t, err)
	require.Equal(t, "billing", issued.Key.Name)
	require.True(t, strings.HasPrefix(issued.Token, issued.Key.KeyID+"."))
	require.NotContains(t, issued.Key.SecretHash, strings.SplitN(issued.Token, ".", 2)[1])

	key, err := svc.Verify(ctx, issued.Token)
	require.NoError(t, err)
	require.Equal(t, issued.Key.ID, key.ID)

	for _, bad := range []string{
		"",
		"garbage",
		issued.Key.KeyID + ".",
		issued.Key.KeyID + ".wrong",
		"eck_unknown.secret",
	} {
		_, err := svc.Verify(ctx, bad)
		require.Error(t, err, bad)
		require.Equal(t, errutil.StatusUnauthorized, errutil.From(err).Code, bad)
	}
}

func TestIssueValidation(t *testing.T) {
	svc := newService(t)
	_, err := svc.Issue(context.Background(), "root", IssueParams{})
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)

	past := time.Now().Add(-time.Hour)
	_, err = svc.Issue(context.Background(), "root", IssueParams{Name: "x", ExpiresAt: &past})
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)
}

func TestExpiredKeyIsRejected(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	exp := time.Now().UTC().Add(time.Hour)
	issued, err := svc.Issue(ctx, "root", IssueParams{Name: "quiz", ExpiresAt: &exp})
	require.NoError(t, err)

	svc.now = func() time.Time { return exp.Add(time.Second) }
	_, err = svc.Verify(ctx, issued.Token)
	require.Error(t, err)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	issued, err := svc.Issue(ctx, "root", IssueParams{Name: "quiz"})
	require.NoError(t, err)

	key, err := svc.Revoke(ctx, issued.Key.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, key.Status)
	require.NotNil(t, key.RevokedAt)

	_, err = svc.Verify(ctx, issued.Token)
	require.Error(t, err)

	_, err = svc.Revoke(ctx, issued.Key.ID)
	require.ErrorIs(t, err, errutil.ErrInvalidStateTransition)

	_, err = svc.Revoke(ctx, "missing")
	require.ErrorIs(t, err, errutil.ErrNotFound)

	keys, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
}
