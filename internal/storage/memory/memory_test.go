package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/defstore-io/defstore/internal/definition"
	"github.com/defstore-io/defstore/internal/identity"
	"github.com/defstore-io/defstore/internal/secretstore"
	"github.com/defstore-io/defstore/internal/storage"
)

const testPool = "main"

type tickingClock struct {
	now atomic.Int64
}

func (c *tickingClock) NowMillis() int64 {
	return c.now.Add(1)
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, ref string) (string, error) {
	value, ok := m[ref]
	if !ok {
		return "", fmt.Errorf("secret %s: %w", ref, secretstore.ErrUnavailable)
	}
	return value, nil
}

func newTestStore(t *testing.T, resolver secretstore.Resolver) *Store {
	t.Helper()
	registry := definition.NewRegistry()
	if err := definition.RegisterBuiltins(registry); err != nil {
		t.Fatalf("register builtins: %v", err)
	}
	codec := definition.NewCodec(registry, resolver)
	return New(codec,
		WithClock(&tickingClock{}),
		WithIdentity(identity.Static("tester")),
	)
}

func account(name string) *definition.AWSAccount {
	return &definition.AWSAccount{
		Name:      name,
		AccountID: "123456789012",
	}
}

func TestCreateThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, testPool, account("acct-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	def, err := store.GetByName(ctx, testPool, "acct-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got, ok := def.(*definition.AWSAccount)
	if !ok {
		t.Fatalf("expected *AWSAccount, got %T", def)
	}
	if got.Name != "acct-1" || got.AccountID != "123456789012" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestGetAbsentReturnsNilNil(t *testing.T) {
	store := newTestStore(t, nil)

	def, err := store.GetByName(context.Background(), testPool, "ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if def != nil {
		t.Fatalf("expected nil for absent name, got %+v", def)
	}
}

func TestCreateDuplicateConflicts(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, testPool, account("acct-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, testPool, account("acct-1"))
	if !errors.Is(err, storage.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMutationSequenceNumbersHistory(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, testPool, account("acct-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	updated := account("acct-1")
	updated.Regions = []string{"eu-west-1"}
	if err := store.Update(ctx, testPool, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Delete(ctx, testPool, "acct-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// Three mutations produce exactly versions 3, 2, 1 newest first.
	revisions, err := store.RevisionHistory(ctx, testPool, "acct-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(revisions) != 3 {
		t.Fatalf("expected 3 revisions, got %d", len(revisions))
	}
	for i, want := range []int{3, 2, 1} {
		if revisions[i].Version != want {
			t.Fatalf("revision %d has version %d, want %d", i, revisions[i].Version, want)
		}
	}

	if !revisions[0].Deleted || revisions[0].Definition != nil {
		t.Fatalf("expected a tombstone at the top, got %+v", revisions[0])
	}
	v2 := revisions[1].Definition.(*definition.AWSAccount)
	if len(v2.Regions) != 1 || v2.Regions[0] != "eu-west-1" {
		t.Fatalf("version 2 should carry the updated body, got %+v", v2)
	}
	v1 := revisions[2].Definition.(*definition.AWSAccount)
	if len(v1.Regions) != 0 {
		t.Fatalf("version 1 should carry the original body, got %+v", v1)
	}

	if revisions[0].LastModifiedAt <= revisions[1].LastModifiedAt {
		t.Fatal("expected timestamps to advance across mutations")
	}
}

func TestConcurrentWritersKeepVersionsContiguous(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, testPool, account("acct-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def := account("acct-1")
			def.AssumeRole = fmt.Sprintf("role-%d", i)
			if err := store.Update(ctx, testPool, def); err != nil {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// However the writers interleave, versions must come out contiguous.
	revisions, err := store.RevisionHistory(ctx, testPool, "acct-1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(revisions) != writers+1 {
		t.Fatalf("expected %d revisions, got %d", writers+1, len(revisions))
	}
	for i, rev := range revisions {
		if want := writers + 1 - i; rev.Version != want {
			t.Fatalf("position %d has version %d, want %d", i, rev.Version, want)
		}
	}
}

func TestDeleteRemovesCurrentRow(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, testPool, account("acct-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Delete(ctx, testPool, "acct-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	def, err := store.GetByName(ctx, testPool, "acct-1")
	if err != nil || def != nil {
		t.Fatalf("expected absence after delete, got %v / %v", def, err)
	}
}

func TestUpdateAndDeleteNonexistentAreNoOps(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Update(ctx, testPool, account("ghost")); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Delete(ctx, testPool, "ghost"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// No-op mutations must not leave history behind.
	revisions, err := store.RevisionHistory(ctx, testPool, "ghost")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(revisions) != 0 {
		t.Fatalf("expected empty history, got %d revisions", len(revisions))
	}
}

func TestListByTypeFiltersAndSorts(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := store.Create(ctx, testPool, account(name)); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if err := store.Create(ctx, testPool, &definition.DockerRegistry{Name: "hub", Address: "https://index.docker.io"}); err != nil {
		t.Fatalf("create registry: %v", err)
	}

	defs, err := store.ListByType(ctx, testPool, definition.KindAWS)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"alpha", "bravo", "charlie"}
	if len(defs) != len(want) {
		t.Fatalf("expected %d definitions, got %d", len(want), len(defs))
	}
	for i, name := range want {
		if defs[i].DefinitionName() != name {
			t.Fatalf("position %d: got %s, want %s", i, defs[i].DefinitionName(), name)
		}
	}
}

func TestListByTypePageChainsThroughAllRows(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	names := []string{"a1", "a2", "a3", "a4", "a5"}
	for _, name := range names {
		if err := store.Create(ctx, testPool, account(name)); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}

	// Chain pages using the last returned name as the next starting name.
	// The starting bound is inclusive, so each page after the first repeats
	// the boundary row and the caller drops it.
	seen := make([]string, 0, len(names))
	start := ""
	for {
		page, err := store.ListByTypePage(ctx, testPool, definition.KindAWS, 2, start)
		if err != nil {
			t.Fatalf("page from %q: %v", start, err)
		}
		if len(page) == 0 {
			break
		}
		for _, def := range page {
			if start != "" && def.DefinitionName() == start {
				continue
			}
			seen = append(seen, def.DefinitionName())
		}
		last := page[len(page)-1].DefinitionName()
		if last == start {
			break
		}
		start = last
	}

	if len(seen) != len(names) {
		t.Fatalf("chained pagination saw %v, want %v", seen, names)
	}
	for i, name := range names {
		if seen[i] != name {
			t.Fatalf("position %d: got %s, want %s", i, seen[i], name)
		}
	}
}

func TestListSkipsRowsWithUnavailableSecrets(t *testing.T) {
	store := newTestStore(t, mapResolver{"secret://known": "plaintext"})
	ctx := context.Background()

	healthy := account("healthy")
	healthy.SecretAccessKey = "secret://known"
	broken := account("broken")
	broken.SecretAccessKey = "secret://missing"

	if err := store.Create(ctx, testPool, healthy); err != nil {
		t.Fatalf("create healthy: %v", err)
	}
	if err := store.Create(ctx, testPool, broken); err != nil {
		t.Fatalf("create broken: %v", err)
	}

	defs, err := store.ListByType(ctx, testPool, definition.KindAWS)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(defs) != 1 || defs[0].DefinitionName() != "healthy" {
		t.Fatalf("expected only the healthy row, got %+v", defs)
	}
	if got := defs[0].(*definition.AWSAccount).SecretAccessKey; got != "plaintext" {
		t.Fatalf("secret not resolved on read: %q", got)
	}
}

func TestPoolsAreIsolated(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	if err := store.Create(ctx, "east", account("acct-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	def, err := store.GetByName(ctx, "west", "acct-1")
	if err != nil || def != nil {
		t.Fatalf("expected absence in the other pool, got %v / %v", def, err)
	}
	defs, err := store.ListByType(ctx, "west", definition.KindAWS)
	if err != nil || len(defs) != 0 {
		t.Fatalf("expected empty list in the other pool, got %v / %v", defs, err)
	}
}
