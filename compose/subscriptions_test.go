package compose_test

import (
	"slices"
	"testing"

	"github.com/mcpkit/compose-go/compose"
)

func TestSubscriptionsAreIdempotent(t *testing.T) {
	t.Parallel()

	subs := compose.NewSubscriptionRegistry()
	subs.Subscribe("notes://db/1", "s1")
	subs.Subscribe("notes://db/1", "s1")
	subs.Subscribe("notes://db/1", "s2")

	got := subs.Subscribers("notes://db/1")
	slices.Sort(got)
	if len(got) != 2 || got[0] != "s1" || got[1] != "s2" {
		t.Fatalf("expected [s1 s2], got %v", got)
	}
	if uris := subs.SessionSubscriptions("s1"); len(uris) != 1 || uris[0] != "notes://db/1" {
		t.Fatalf("expected one subscription for s1, got %v", uris)
	}
}

func TestUnsubscribePrunesBothIndexes(t *testing.T) {
	t.Parallel()

	subs := compose.NewSubscriptionRegistry()
	subs.Subscribe("notes://db/1", "s1")
	subs.Subscribe("notes://db/2", "s1")

	subs.Unsubscribe("notes://db/1", "s1")
	if got := subs.Subscribers("notes://db/1"); got != nil {
		t.Fatalf("expected no subscribers, got %v", got)
	}
	if uris := subs.SessionSubscriptions("s1"); len(uris) != 1 || uris[0] != "notes://db/2" {
		t.Fatalf("expected the other subscription to survive, got %v", uris)
	}

	// Unknown pairs are a no-op.
	subs.Unsubscribe("notes://db/1", "s1")
	subs.Unsubscribe("other://x", "s9")
}

func TestCleanupSessionDropsEverySubscription(t *testing.T) {
	t.Parallel()

	subs := compose.NewSubscriptionRegistry()
	subs.Subscribe("notes://db/1", "s1")
	subs.Subscribe("notes://db/2", "s1")
	subs.Subscribe("notes://db/1", "s2")

	subs.CleanupSession("s1")

	if uris := subs.SessionSubscriptions("s1"); uris != nil {
		t.Fatalf("expected no subscriptions after cleanup, got %v", uris)
	}
	if got := subs.Subscribers("notes://db/1"); len(got) != 1 || got[0] != "s2" {
		t.Fatalf("other sessions must survive cleanup, got %v", got)
	}
	if got := subs.Subscribers("notes://db/2"); got != nil {
		t.Fatalf("expected the emptied URI to be pruned, got %v", got)
	}

	// Cleaning an unknown session is a no-op.
	subs.CleanupSession("s-unknown")
}

func TestSubscribeIgnoresEmptyArguments(t *testing.T) {
	t.Parallel()

	subs := compose.NewSubscriptionRegistry()
	subs.Subscribe("", "s1")
	subs.Subscribe("notes://db/1", "")

	if got := subs.Subscribers("notes://db/1"); got != nil {
		t.Fatalf("expected no subscribers, got %v", got)
	}
	if got := subs.SessionSubscriptions("s1"); got != nil {
		t.Fatalf("expected no subscriptions, got %v", got)
	}
}
