package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"auditline/internal/config"
	"auditline/internal/db"
	"auditline/internal/domain"
	"auditline/internal/engine"
	"auditline/internal/migrate"
	"auditline/internal/repo"
)

type recordingNotifier struct {
	mu      sync.Mutex
	intents []domain.NotificationIntent
	err     error
}

func (n *recordingNotifier) Dispatch(intent domain.NotificationIntent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.intents = append(n.intents, intent)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.intents)
}

type publication struct {
	channel string
	typ     domain.PushType
	data    any
}

type recordingPublisher struct {
	mu   sync.Mutex
	pubs []publication
	err  error
}

func (p *recordingPublisher) Publish(channel string, typ domain.PushType, data any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pubs = append(p.pubs, publication{channel, typ, data})
	return 0, p.err
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pubs)
}

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Notifier  *recordingNotifier
	Publisher *recordingPublisher
}

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return testNow }
	notifier := &recordingNotifier{}
	publisher := &recordingPublisher{}
	eng.Notifier = notifier
	eng.Publisher = publisher
	return testEnv{Engine: eng, Ctx: context.Background(), Notifier: notifier, Publisher: publisher}
}

func createRoadmap(t *testing.T, env testEnv) domain.Roadmap {
	t.Helper()
	rm, err := env.Engine.CreateRoadmap(env.Ctx, engine.RoadmapCreateOptions{
		ID:      "r-1",
		OwnerID: "u-1",
		OrgID:   "42",
		Title:   "ISO 27001",
		Phases: []engine.PhaseInput{
			{Name: "Gap analysis", Actions: []engine.ActionInput{{ID: "A1", Title: "Collect policies"}, {ID: "A2", Title: "Interview owners"}}},
			{Name: "Remediation", Actions: []engine.ActionInput{{ID: "B1", Title: "Enable MFA"}, {ID: "B2", Title: "Rotate keys"}, {ID: "B3", Title: "Train staff"}}},
		},
	})
	if err != nil {
		t.Fatalf("create roadmap: %v", err)
	}
	return rm
}

func TestCompletingLastActionCompletesPhaseOnce(t *testing.T) {
	env := newTestEnv(t)
	createRoadmap(t, env)

	rm, err := env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A1")
	if err != nil {
		t.Fatalf("complete A1: %v", err)
	}
	if rm.Phases[0].CompletedAt != nil {
		t.Fatalf("phase completed after first action")
	}
	if rm.OverallProgress != 20 {
		t.Fatalf("expected 20%%, got %d", rm.OverallProgress)
	}
	if env.Notifier.count() != 0 || env.Publisher.count() != 0 {
		t.Fatalf("side effects before phase completion")
	}

	rm, err = env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A2")
	if err != nil {
		t.Fatalf("complete A2: %v", err)
	}
	if rm.Phases[0].CompletedAt == nil || !rm.Phases[0].CompletedAt.Equal(testNow) {
		t.Fatalf("expected phase completedAt %s, got %v", testNow, rm.Phases[0].CompletedAt)
	}
	if rm.OverallProgress != 40 {
		t.Fatalf("expected 40%%, got %d", rm.OverallProgress)
	}
	if env.Notifier.count() != 1 {
		t.Fatalf("expected one intent, got %d", env.Notifier.count())
	}
	intent := env.Notifier.intents[0]
	if intent.Kind != domain.KindPhaseComplete || intent.Recipient != "u-1" {
		t.Fatalf("unexpected intent: %+v", intent)
	}
	if env.Publisher.count() != 1 {
		t.Fatalf("expected one publish, got %d", env.Publisher.count())
	}
	pub := env.Publisher.pubs[0]
	if pub.channel != "org:42" || pub.typ != domain.PushRoadmapUpdate {
		t.Fatalf("unexpected publish: %+v", pub)
	}
	update, ok := pub.data.(engine.RoadmapUpdate)
	if !ok || update.OverallProgress != 40 || update.PhaseState != string(domain.PhaseCompleted) {
		t.Fatalf("unexpected update: %+v", pub.data)
	}

	// Repeating the final action is a no-op.
	if _, err := env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A2"); err != nil {
		t.Fatalf("repeat A2: %v", err)
	}
	if env.Notifier.count() != 1 || env.Publisher.count() != 1 {
		t.Fatalf("side effects fired twice")
	}
}

func TestNextPhaseEstimate(t *testing.T) {
	env := newTestEnv(t)
	created := createRoadmap(t, env)
	if created.Phases[0].EstimatedCompletionAt == nil || !created.Phases[0].EstimatedCompletionAt.Equal(testNow.Add(8*time.Hour)) {
		t.Fatalf("first phase estimate: %v", created.Phases[0].EstimatedCompletionAt)
	}

	env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A1")
	rm, err := env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A2")
	if err != nil {
		t.Fatal(err)
	}
	want := testNow.Add(3 * 4 * time.Hour)
	got := rm.Phases[1].EstimatedCompletionAt
	if got == nil || !got.Equal(want) {
		t.Fatalf("expected estimate %s, got %v", want, got)
	}

	stored, err := env.Engine.GetRoadmap(env.Ctx, "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Phases[1].EstimatedCompletionAt == nil || !stored.Phases[1].EstimatedCompletionAt.Equal(want) {
		t.Fatalf("estimate not persisted: %v", stored.Phases[1].EstimatedCompletionAt)
	}
}

type fixedEstimator struct{ at time.Time }

func (f fixedEstimator) Estimate(domain.Phase, time.Time) time.Time { return f.at }

func TestEstimatorIsReplaceable(t *testing.T) {
	env := newTestEnv(t)
	at := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	env.Engine.Estimator = fixedEstimator{at: at}
	createRoadmap(t, env)
	env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A1")
	rm, err := env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A2")
	if err != nil {
		t.Fatal(err)
	}
	if !rm.Phases[1].EstimatedCompletionAt.Equal(at) {
		t.Fatalf("estimator not used: %v", rm.Phases[1].EstimatedCompletionAt)
	}
}

func TestConcurrentFinalActionFiresOnce(t *testing.T) {
	env := newTestEnv(t)
	createRoadmap(t, env)
	if _, err := env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A2"); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent complete: %v", err)
	}
	if env.Notifier.count() != 1 {
		t.Fatalf("expected exactly one intent, got %d", env.Notifier.count())
	}
	if env.Publisher.count() != 1 {
		t.Fatalf("expected exactly one publish, got %d", env.Publisher.count())
	}

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "phase.completed"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("expected one phase.completed event, got %d", len(evts))
	}
}

func TestConcurrentCompletionsOnDistinctRoadmaps(t *testing.T) {
	env := newTestEnv(t)
	const n = 16
	for i := 0; i < n; i++ {
		_, err := env.Engine.CreateRoadmap(env.Ctx, engine.RoadmapCreateOptions{
			ID:      fmt.Sprintf("r-%d", i),
			OwnerID: "u-1",
			OrgID:   "42",
			Title:   "SOC 2",
			Phases:  []engine.PhaseInput{{Name: "Scoping", Actions: []engine.ActionInput{{ID: "A1", Title: "List systems"}}}},
		})
		if err != nil {
			t.Fatalf("create roadmap %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.Engine.CompleteAction(env.Ctx, fmt.Sprintf("r-%d", i), 0, "A1"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("complete action: %v", err)
	}

	for i := 0; i < n; i++ {
		rm, err := env.Engine.GetRoadmap(env.Ctx, fmt.Sprintf("r-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if rm.OverallProgress != 100 || rm.Phases[0].CompletedAt == nil {
			t.Fatalf("roadmap r-%d not committed: progress=%d", i, rm.OverallProgress)
		}
	}
	if env.Notifier.count() != n {
		t.Fatalf("expected %d intents, got %d", n, env.Notifier.count())
	}
}

func TestSideEffectFailuresKeepState(t *testing.T) {
	env := newTestEnv(t)
	env.Notifier.err = errors.New("dispatcher stopped")
	env.Publisher.err = errors.New("encode failed")
	createRoadmap(t, env)
	env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A1")
	if _, err := env.Engine.CompleteAction(env.Ctx, "r-1", 0, "A2"); err != nil {
		t.Fatalf("side-effect failure leaked: %v", err)
	}
	rm, err := env.Engine.GetRoadmap(env.Ctx, "r-1")
	if err != nil {
		t.Fatal(err)
	}
	if rm.Phases[0].CompletedAt == nil {
		t.Fatalf("phase completion was lost")
	}
}

func TestCompleteActionNotFound(t *testing.T) {
	env := newTestEnv(t)
	createRoadmap(t, env)

	cases := []struct {
		name    string
		roadmap string
		phase   int
		action  string
		kind    string
	}{
		{"roadmap", "missing", 0, "A1", "roadmap"},
		{"phase too high", "r-1", 2, "A1", "phase"},
		{"negative phase", "r-1", -1, "A1", "phase"},
		{"action in other phase", "r-1", 0, "B1", "action"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CompleteAction(env.Ctx, tc.roadmap, tc.phase, tc.action)
			var nf domain.NotFoundError
			if !errors.As(err, &nf) || nf.Kind != tc.kind {
				t.Fatalf("expected %s not found, got %v", tc.kind, err)
			}
		})
	}
	rm, _ := env.Engine.GetRoadmap(env.Ctx, "r-1")
	if rm.OverallProgress != 0 {
		t.Fatalf("failed calls changed state")
	}
}

func TestCreateRoadmapValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateRoadmap(env.Ctx, engine.RoadmapCreateOptions{OrgID: "42", Title: "x", Phases: []engine.PhaseInput{{Name: "p", Actions: []engine.ActionInput{{Title: "a"}}}}})
	var cfgErr domain.ConfigurationError
	if !errors.As(err, &cfgErr) || cfgErr.Field != "owner_id" {
		t.Fatalf("expected owner configuration error, got %v", err)
	}
	_, err = env.Engine.CreateRoadmap(env.Ctx, engine.RoadmapCreateOptions{OwnerID: "u", OrgID: "42", Title: "x", Phases: []engine.PhaseInput{
		{Name: "p", Actions: []engine.ActionInput{{ID: "a", Title: "one"}, {ID: "a", Title: "two"}}},
	}})
	var vErr domain.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected duplicate action validation error, got %v", err)
	}
}

func TestGetRoadmapNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetRoadmap(env.Ctx, "nope")
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
}
