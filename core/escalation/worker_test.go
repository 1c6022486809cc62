package escalation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"vigil-ims/config"
	"vigil-ims/core/chatops"
	"vigil-ims/core/incidents"
	"vigil-ims/core/jobs"
	"vigil-ims/core/store"
	"vigil-ims/core/utils"
)

type mockChatSender struct {
	sent    []chatops.ChatMessage
	added   map[string][]string
	failAll bool
}

func (m *mockChatSender) Send(ctx context.Context, msg chatops.ChatMessage) error {
	if m.failAll {
		return errors.New("chat api down")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockChatSender) AddMembers(ctx context.Context, channelRef string, platformUserIDs []string) error {
	if m.failAll {
		return errors.New("chat api down")
	}
	if m.added == nil {
		m.added = map[string][]string{}
	}
	m.added[channelRef] = append(m.added[channelRef], platformUserIDs...)
	return nil
}

type escalationDeps struct {
	db          *sql.DB
	svc         *incidents.Service
	scheduler   *Scheduler
	worker      *Worker
	queue       *jobs.Queue
	jobsStore   store.JobsStore
	escalations store.EscalationStore
	directory   store.DirectoryStore
	sender      *mockChatSender
}

func setupEscalation(t *testing.T) *escalationDeps {
	t.Helper()
	cfg := &config.AppConfig{DBPath: filepath.Join(t.TempDir(), "escalation_test.db")}
	logger := utils.NewLogger()
	db, err := store.NewDB(cfg, logger)
	if err != nil {
		t.Fatalf("db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(context.Background(), db, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	incidentsStore := store.NewIncidentsStore(db)
	events := store.NewEventStore(db)
	escalations := store.NewEscalationStore(db)
	directory := store.NewDirectoryStore(db)
	jobsStore := store.NewJobsStore(db)

	queueCfg := config.QueueConfig{TickSeconds: 1, MaxJobsPerTick: 10, MaxAttempts: 3, RetryBaseSeconds: 1}
	chatCfg := config.ChatConfig{Platform: "teams"}
	escCfg := config.EscalationConfig{StepJobType: "escalation_step"}

	queue := jobs.NewQueue(jobsStore, queueCfg, logger)
	sender := &mockChatSender{}
	svc := incidents.NewService(db, incidentsStore, events, escalations, logger)
	scheduler := NewScheduler(db, incidentsStore, events, escalations, directory, queue, escCfg, logger)
	worker := NewWorker(db, incidentsStore, events, escalations, directory, sender, chatCfg, logger)
	svc.SetEscalator(scheduler)
	queue.Handle(escCfg.StepJobType, worker.HandleStepJob)

	return &escalationDeps{
		db:          db,
		svc:         svc,
		scheduler:   scheduler,
		worker:      worker,
		queue:       queue,
		jobsStore:   jobsStore,
		escalations: escalations,
		directory:   directory,
		sender:      sender,
	}
}

// seedDirectory creates one facility, three members (m3 has no chat identity)
// and one always-on-shift team containing all three.
func seedDirectory(t *testing.T, d *escalationDeps) {
	t.Helper()
	ctx := context.Background()
	if err := d.directory.CreateFacility(ctx, &store.Facility{ID: "fac-1", OrganizationID: "org-1", Name: "Plant A", Timezone: "UTC"}); err != nil {
		t.Fatalf("facility: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := d.directory.CreateMember(ctx, &store.Member{ID: id, OrganizationID: "org-1", DisplayName: id}); err != nil {
			t.Fatalf("member %s: %v", id, err)
		}
	}
	for _, id := range []string{"m1", "m2"} {
		if err := d.directory.SetChatIdentity(ctx, id, "teams", "ext-"+id); err != nil {
			t.Fatalf("identity %s: %v", id, err)
		}
	}
	if err := d.directory.CreateTeam(ctx, &store.Team{ID: "team-1", OrganizationID: "org-1", Name: "ops", Timezone: "UTC"}); err != nil {
		t.Fatalf("team: %v", err)
	}
	for _, id := range []string{"m1", "m2", "m3"} {
		if err := d.directory.AddTeamMember(ctx, "team-1", id); err != nil {
			t.Fatalf("roster %s: %v", id, err)
		}
	}
}

// seedTwoStepPolicy mirrors the canonical two-step shape: an immediate member
// page, then a delayed ifUnacked team fan-out.
func seedTwoStepPolicy(t *testing.T, d *escalationDeps) {
	t.Helper()
	err := d.escalations.CreatePolicy(context.Background(), &store.EscalationPolicy{
		ID:             "pol-1",
		OrganizationID: "org-1",
		Name:           "sev1 escalation",
		Conditions:     store.PolicyConditions{Severities: []string{"SEV1"}},
		IsActive:       true,
	}, []store.EscalationPolicyStep{
		{StepOrder: 1, DelayMinutes: 0, NotifyType: "member", NotifyTargetIDs: []string{"m1"}},
		{StepOrder: 2, DelayMinutes: 10, NotifyType: "team", NotifyTargetIDs: []string{"team-1"}, IfUnacked: true},
	})
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
}

func declareSev1(t *testing.T, d *escalationDeps) *store.Incident {
	t.Helper()
	inc, err := d.svc.Declare(context.Background(), incidents.DeclareParams{
		OrganizationID: "org-1",
		FacilityID:     "fac-1",
		AreaID:         "area-1",
		Title:          "pump overheating",
		Severity:       "SEV1",
	})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	return inc
}

// forceDue backdates a delayed job so the next RunPending claims it.
func forceDue(t *testing.T, d *escalationDeps, jobID string) {
	t.Helper()
	if _, err := d.db.ExecContext(context.Background(),
		`UPDATE jobs SET run_at=? WHERE id=?`, time.Now().UTC().Add(-time.Second), jobID); err != nil {
		t.Fatalf("backdate %s: %v", jobID, err)
	}
}

func findEscalationEvent(events []store.IncidentEvent, action string, stepOrder int) *store.IncidentEvent {
	for i := range events {
		ev := &events[i]
		if ev.EventType != "escalation" || ev.Payload["action"] != action {
			continue
		}
		if stepOrder > 0 && ev.Payload["step_order"] != float64(stepOrder) {
			continue
		}
		return ev
	}
	return nil
}

func TestDeclareSchedulesAllStepsAndFiresFirst(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if rt.PolicyID == nil || *rt.PolicyID != "pol-1" || rt.LatestStepOrder != 0 {
		t.Fatalf("runtime not pinned to policy: %+v", rt)
	}
	// One job per step, enqueued up front.
	for _, order := range []int{1, 2} {
		job, _ := d.jobsStore.GetJob(ctx, StepJobID(inc.ID, order))
		if job == nil || job.Status != store.JobPending {
			t.Fatalf("step %d job missing: %+v", order, job)
		}
	}
	events, _ := d.svc.ListEvents(ctx, inc.ID, 0)
	selected := findEscalationEvent(events, "policy_selected", 0)
	if selected == nil || selected.Payload["step_count"] != float64(2) {
		t.Fatalf("policy_selected event wrong: %+v", selected)
	}

	d.queue.RunPending(ctx)

	// Step 2 is 10 minutes out; only step 1 fires now.
	if len(d.sender.sent) != 1 || d.sender.sent[0].RecipientID != "ext-m1" {
		t.Fatalf("step 1 should notify m1 only: %+v", d.sender.sent)
	}
	targets, _ := d.escalations.ListStepTargets(ctx, inc.ID)
	if len(targets) != 1 || targets[0].TargetMemberID != "m1" || targets[0].StepOrder != 1 {
		t.Fatalf("step targets wrong: %+v", targets)
	}
	rt, _ = d.escalations.GetRuntime(ctx, inc.ID)
	if rt.LatestStepOrder != 1 {
		t.Fatalf("latest step not advanced: %+v", rt)
	}
}

func TestSecondStepNotifiesTeamAndRecordsUnresolved(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	d.queue.RunPending(ctx) // step 1
	forceDue(t, d, StepJobID(inc.ID, 2))
	d.queue.RunPending(ctx) // step 2: team fan-out, nobody acked

	// m1 (again) and m2 reachable, m3 has no identity.
	if len(d.sender.sent) != 3 {
		t.Fatalf("expected 3 sends total, got %d", len(d.sender.sent))
	}
	targets, _ := d.escalations.ListStepTargets(ctx, inc.ID)
	byStep := map[int]int{}
	for _, tgt := range targets {
		byStep[tgt.StepOrder]++
	}
	if byStep[1] != 1 || byStep[2] != 2 {
		t.Fatalf("step target counts wrong: %+v", targets)
	}
	events, _ := d.svc.ListEvents(ctx, inc.ID, 0)
	fired := findEscalationEvent(events, "step_executed", 2)
	if fired == nil {
		t.Fatal("step 2 executed event missing")
	}
	unresolved, _ := fired.Payload["unresolved_member_ids"].([]any)
	if len(unresolved) != 1 || unresolved[0] != "m3" {
		t.Fatalf("unresolved members not recorded: %+v", fired.Payload)
	}
	active, _ := fired.Payload["active_target_ids"].([]any)
	if len(active) != 1 || active[0] != "team-1" {
		t.Fatalf("active teams not recorded: %+v", fired.Payload)
	}
}

func TestAcknowledgeShortCircuitsIfUnackedStep(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	d.queue.RunPending(ctx) // step 1 notifies m1

	if err := d.worker.Acknowledge(ctx, inc.ID, "m1"); err != nil {
		t.Fatalf("ack: %v", err)
	}
	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if rt.AckedAt == nil || rt.AckedByMemberID == nil || *rt.AckedByMemberID != "m1" {
		t.Fatalf("runtime ack missing: %+v", rt)
	}

	sends := len(d.sender.sent)
	forceDue(t, d, StepJobID(inc.ID, 2))
	d.queue.RunPending(ctx) // step 2 is ifUnacked: silent no-op

	if len(d.sender.sent) != sends {
		t.Fatalf("acked escalation still sent messages: %+v", d.sender.sent[sends:])
	}
	rt, _ = d.escalations.GetRuntime(ctx, inc.ID)
	if rt.LatestStepOrder != 1 {
		t.Fatalf("no-op step must not advance bookkeeping: %+v", rt)
	}
	job, _ := d.jobsStore.GetJob(ctx, StepJobID(inc.ID, 2))
	if job.Status != store.JobDone {
		t.Fatalf("no-op job should complete: %+v", job)
	}
	events, _ := d.svc.ListEvents(ctx, inc.ID, 0)
	if findEscalationEvent(events, "step_executed", 2) != nil {
		t.Fatal("no-op step must not record an execution event")
	}
}

func TestAcknowledgeRequiresNotification(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)
	d.queue.RunPending(ctx)

	if err := d.worker.Acknowledge(ctx, inc.ID, "m2"); !errors.Is(err, ErrNotNotified) {
		t.Fatalf("un-notified member could ack: %v", err)
	}
	if err := d.worker.Acknowledge(ctx, "nope", "m1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing runtime should be not-found: %v", err)
	}
}

func TestFirstAckWins(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)
	d.queue.RunPending(ctx) // step 1
	forceDue(t, d, StepJobID(inc.ID, 2))
	d.queue.RunPending(ctx) // step 2 notifies m1, m2

	if err := d.worker.Acknowledge(ctx, inc.ID, "m1"); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := d.worker.Acknowledge(ctx, inc.ID, "m2"); err != nil {
		t.Fatalf("second ack: %v", err)
	}
	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if *rt.AckedByMemberID != "m1" {
		t.Fatalf("first ack should win: %+v", rt)
	}
}

func TestStalePolicyJobIsSilentNoOp(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	// Runtime moves to another policy before the job runs.
	other := "pol-other"
	if err := d.escalations.SetRuntimePolicy(ctx, inc.ID, &other); err != nil {
		t.Fatalf("set policy: %v", err)
	}
	d.queue.RunPending(ctx)

	if len(d.sender.sent) != 0 {
		t.Fatalf("stale job sent messages: %+v", d.sender.sent)
	}
	job, _ := d.jobsStore.GetJob(ctx, StepJobID(inc.ID, 1))
	if job.Status != store.JobDone {
		t.Fatalf("stale job should complete silently: %+v", job)
	}
}

func TestSettledIncidentStopsEscalation(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)
	p := incidents.ChangeParams{IncidentID: inc.ID}

	for _, next := range []string{incidents.StatusInvestigating, incidents.StatusMitigated, incidents.StatusResolved} {
		if _, err := d.svc.ChangeStatus(ctx, p, next); err != nil {
			t.Fatalf("to %s: %v", next, err)
		}
	}
	d.queue.RunPending(ctx)
	if len(d.sender.sent) != 0 {
		t.Fatalf("resolved incident still escalated: %+v", d.sender.sent)
	}
}

func TestNoMatchingPolicyFallsBackToDeclaringTeam(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d) // matches SEV1 only

	inc, err := d.svc.Declare(ctx, incidents.DeclareParams{
		OrganizationID: "org-1",
		FacilityID:     "fac-1",
		Title:          "minor glitch",
		Severity:       "SEV4",
	})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if rt.PolicyID != nil || rt.LatestStepOrder != 1 {
		t.Fatalf("fallback runtime wrong: %+v", rt)
	}
	job, _ := d.jobsStore.GetJob(ctx, StepJobID(inc.ID, 1))
	if job != nil {
		t.Fatalf("fallback must not enqueue jobs: %+v", job)
	}
	events, _ := d.svc.ListEvents(ctx, inc.ID, 0)
	if findEscalationEvent(events, "fallback_declaring_team", 0) == nil {
		t.Fatal("fallback event missing")
	}
}

func TestOffShiftTeamIsSkipped(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	// A schedule with no windows on any day keeps the team permanently off
	// shift for this test.
	if err := d.directory.SetTeamShiftInfo(ctx, "team-1", store.ShiftInfo{"mon": {}}); err != nil {
		t.Fatalf("shift info: %v", err)
	}
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	d.queue.RunPending(ctx) // step 1 (member target, unaffected)
	sends := len(d.sender.sent)
	forceDue(t, d, StepJobID(inc.ID, 2))
	d.queue.RunPending(ctx) // step 2 team fan-out, team off shift

	if len(d.sender.sent) != sends {
		t.Fatalf("off-shift team still notified: %+v", d.sender.sent[sends:])
	}
	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if rt.LatestStepOrder != 2 {
		t.Fatalf("step bookkeeping missing: %+v", rt)
	}
	events, _ := d.svc.ListEvents(ctx, inc.ID, 0)
	fired := findEscalationEvent(events, "step_executed", 2)
	if fired == nil {
		t.Fatal("step 2 executed event missing")
	}
	inactive, _ := fired.Payload["inactive_target_ids"].([]any)
	if len(inactive) != 1 || inactive[0] != "team-1" {
		t.Fatalf("off-shift team not recorded: %+v", fired.Payload)
	}
}

func TestChatFailureRetriesJob(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	d.sender.failAll = true
	d.queue.RunPending(ctx)

	job, _ := d.jobsStore.GetJob(ctx, StepJobID(inc.ID, 1))
	if job.Status != store.JobPending || job.LastError == "" {
		t.Fatalf("failed delivery should reschedule the job: %+v", job)
	}
	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if rt.LatestStepOrder != 0 {
		t.Fatalf("failed step must not advance: %+v", rt)
	}
}

func TestStepRedeliveryIsIdempotent(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	d.queue.RunPending(ctx) // step 1

	// Simulate an at-least-once redelivery of step 1.
	err := d.queue.Enqueue(ctx, "escalation_step", StepJobPayload{
		OrganizationID: "org-1",
		IncidentID:     inc.ID,
		PolicyID:       "pol-1",
		StepOrder:      1,
	}, jobs.EnqueueOptions{JobID: StepJobID(inc.ID, 1)})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	d.queue.RunPending(ctx)

	targets, _ := d.escalations.ListStepTargets(ctx, inc.ID)
	count := 0
	for _, tgt := range targets {
		if tgt.StepOrder == 1 {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("redelivery duplicated step targets: %+v", targets)
	}
	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if rt.LatestStepOrder != 1 {
		t.Fatalf("latest step order wrong after redelivery: %+v", rt)
	}
}

func TestRescheduleSupersedesPriorRun(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	seedDirectory(t, d)
	seedTwoStepPolicy(t, d)
	inc := declareSev1(t, d)

	d.queue.RunPending(ctx) // step 1 notifies m1
	if err := d.worker.Acknowledge(ctx, inc.ID, "m1"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// A second scheduling pass clears the ack and restarts the run.
	if err := d.scheduler.ScheduleForIncident(ctx, inc.ID); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	rt, _ := d.escalations.GetRuntime(ctx, inc.ID)
	if rt.AckedAt != nil || rt.LatestStepOrder != 0 {
		t.Fatalf("reschedule must reset the runtime: %+v", rt)
	}
	if rt.PolicyID == nil || *rt.PolicyID != "pol-1" {
		t.Fatalf("policy not re-selected: %+v", rt)
	}
	// The replaced step 1 job fires again and re-notifies.
	d.queue.RunPending(ctx)
	if len(d.sender.sent) != 2 {
		t.Fatalf("expected re-notification after reschedule, got %d sends", len(d.sender.sent))
	}
}

func TestPolicyStepValidation(t *testing.T) {
	d := setupEscalation(t)
	ctx := context.Background()
	badSteps := [][]store.EscalationPolicyStep{
		{}, // no steps
		{{StepOrder: 2, NotifyType: "member"}},                                       // starts at 2
		{{StepOrder: 1, NotifyType: "member"}, {StepOrder: 3, NotifyType: "member"}}, // gap
		{{StepOrder: 1, NotifyType: "member"}, {StepOrder: 1, NotifyType: "member"}}, // duplicate
	}
	for i, steps := range badSteps {
		err := d.escalations.CreatePolicy(ctx, &store.EscalationPolicy{
			ID:             fmt.Sprintf("bad-%d", i),
			OrganizationID: "org-1",
			Name:           "bad",
			IsActive:       true,
		}, steps)
		if !errors.Is(err, store.ErrBadStepOrder) {
			t.Errorf("case %d: expected step order error, got %v", i, err)
		}
	}
}
