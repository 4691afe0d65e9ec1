package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"bcsync/internal/httpclient"
	"bcsync/internal/models"
	"bcsync/internal/premium"

	"github.com/google/uuid"
)

func preconditionFailed(path string) error {
	return &httpclient.HTTPError{System: "fake", Method: http.MethodPatch, Path: path, Status: http.StatusPreconditionFailed}
}

var allTaskFields = []string{
	fieldDescription, fieldPercentComplete, fieldManualStart, fieldManualEnd, fieldStartDate, fieldEndDate,
	fieldPlannerTaskID, fieldPlannerPlanID, fieldLastPlannerEtag, fieldLastSyncAt, fieldSyncLock,
}

type patchCall struct {
	SystemID string
	Fields   map[string]any
}

// fakeBC keeps ERP tasks in memory and enforces ETag preconditions.
type fakeBC struct {
	mu       sync.Mutex
	now      func() time.Time
	projects map[string]*models.BCProject
	tasks    map[string]*models.BCTask
	fields   map[string]bool
	changes  []models.BCChange
	patches  []patchCall
	version  int
}

func newFakeBC(now func() time.Time) *fakeBC {
	f := &fakeBC{
		now:      now,
		projects: map[string]*models.BCProject{},
		tasks:    map[string]*models.BCTask{},
		fields:   map[string]bool{},
	}
	for _, name := range allTaskFields {
		f.fields[name] = true
	}
	return f
}

func (f *fakeBC) addProject(no, desc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projects[no] = &models.BCProject{SystemID: "sys-" + no, No: no, Description: desc}
}

func (f *fakeBC) addTask(t models.BCTask) *models.BCTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.SystemID == "" {
		t.SystemID = t.ProjectNo + "-" + t.TaskNo
	}
	f.version++
	t.ETag = fmt.Sprintf(`W/"bc-%d"`, f.version)
	f.tasks[t.SystemID] = &t
	cp := t
	return &cp
}

func (f *fakeBC) task(systemID string) models.BCTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[systemID]
}

func (f *fakeBC) patchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.patches)
}

func (f *fakeBC) patchesFor(systemID string) []patchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []patchCall
	for _, p := range f.patches {
		if p.SystemID == systemID {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeBC) ListProjects(context.Context) ([]models.BCProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BCProject
	for _, p := range f.projects {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out, nil
}

func (f *fakeBC) GetProject(_ context.Context, no string) (*models.BCProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[no]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeBC) GetProjectByID(_ context.Context, id string) (*models.BCProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if p.SystemID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeBC) ListProjectTasks(_ context.Context, no string) ([]*models.BCTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.BCTask
	for _, t := range f.tasks {
		if t.ProjectNo == no {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SystemID < out[j].SystemID })
	return out, nil
}

func (f *fakeBC) ListTasksByCounterpart(_ context.Context, id string) ([]*models.BCTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.BCTask
	for _, t := range f.tasks {
		if t.PlannerTaskID == id {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeBC) GetTask(_ context.Context, id string) (*models.BCTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeBC) PatchTask(_ context.Context, id, etag string, fields map[string]any) (*models.BCTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, &httpclient.HTTPError{System: "fake", Method: http.MethodPatch, Path: id, Status: http.StatusNotFound}
	}
	if etag != "" && etag != t.ETag {
		return nil, preconditionFailed(id)
	}
	f.patches = append(f.patches, patchCall{SystemID: id, Fields: fields})

	raw, _ := json.Marshal(t)
	var doc map[string]any
	_ = json.Unmarshal(raw, &doc)
	for k, v := range fields {
		doc[k] = v
	}
	raw, _ = json.Marshal(doc)
	var updated models.BCTask
	if err := json.Unmarshal(raw, &updated); err != nil {
		return nil, err
	}
	f.version++
	updated.ETag = fmt.Sprintf(`W/"bc-%d"`, f.version)
	updated.LastModifiedDateTime = f.now().UTC().Format(time.RFC3339Nano)
	f.tasks[id] = &updated
	cp := updated
	return &cp, nil
}

func (f *fakeBC) HasTaskField(_ context.Context, field string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fields[field], nil
}

func (f *fakeBC) ChangesSince(_ context.Context, seq int64) ([]models.BCChange, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.BCChange
	last := seq
	for _, c := range f.changes {
		if c.SequenceNo > seq {
			out = append(out, c)
			if c.SequenceNo > last {
				last = c.SequenceNo
			}
		}
	}
	return out, last, nil
}

type stagedOp struct {
	update bool
	taskID string
	fields map[string]any
}

// fakePremium is an in-memory entity store.
type fakePremium struct {
	mu        sync.Mutex
	now       func() time.Time
	projects  map[string]*models.PremiumProject
	tasks     map[string]*models.PremiumTask
	version   int
	creates   int
	updates   int
	resources map[string]string
	members   map[string]string
	assigned  map[string]string

	scheduleAvailable bool
	executeErr        error
	opSets            map[string][]stagedOp
	executed          int

	deltaTasks []*models.PremiumTask
	deltaCalls []string
}

func newFakePremium(now func() time.Time) *fakePremium {
	return &fakePremium{
		now:       now,
		projects:  map[string]*models.PremiumProject{},
		tasks:     map[string]*models.PremiumTask{},
		resources: map[string]string{},
		members:   map[string]string{},
		assigned:  map[string]string{},
		opSets:    map[string][]stagedOp{},
	}
}

func (f *fakePremium) writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates + f.updates
}

func (f *fakePremium) projectTasks(projectID string) []*models.PremiumTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PremiumTask
	for _, t := range f.tasks {
		if t.ProjectID == projectID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskNumber < out[j].TaskNumber })
	return out
}

func (f *fakePremium) projectByNumber(no string) *models.PremiumProject {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.projects {
		if p.Number == no {
			return p
		}
	}
	return nil
}

func (f *fakePremium) nextETag() string {
	f.version++
	return fmt.Sprintf(`W/"pr-%d"`, f.version)
}

func (f *fakePremium) apply(t *models.PremiumTask, fields map[string]any) {
	for k, v := range fields {
		switch k {
		case premium.FieldSubject:
			t.Subject = v.(string)
		case premium.FieldProgress:
			t.Progress = v.(float64)
			t.HasProgress = true
		case premium.FieldStart:
			t.ScheduledStart = v.(string)
		case premium.FieldEnd:
			t.ScheduledEnd = v.(string)
		case premium.FieldProjectBind:
			ref := v.(string)
			t.ProjectID = strings.TrimSuffix(strings.TrimPrefix(ref, "/"+premium.ProjectsSet+"("), ")")
		case "msdyn_wbsid":
			t.TaskNumber = v.(string)
		}
	}
	t.ETag = f.nextETag()
	t.ModifiedOn = f.now()
}

func (f *fakePremium) FindProjectByNumber(_ context.Context, no string) (*models.PremiumProject, error) {
	if p := f.projectByNumber(no); p != nil {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakePremium) GetProject(_ context.Context, id string) (*models.PremiumProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakePremium) CreateProject(_ context.Context, no, subject string) (*models.PremiumProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &models.PremiumProject{ID: uuid.NewString(), Number: no, Subject: subject}
	f.projects[p.ID] = p
	cp := *p
	return &cp, nil
}

func (f *fakePremium) ListProjectTasks(_ context.Context, projectID string) ([]*models.PremiumTask, error) {
	return f.projectTasks(projectID), nil
}

func (f *fakePremium) GetTask(_ context.Context, id string) (*models.PremiumTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (f *fakePremium) CreateTask(_ context.Context, fields map[string]any) (*models.PremiumTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &models.PremiumTask{ID: uuid.NewString()}
	f.apply(t, fields)
	f.tasks[t.ID] = t
	f.creates++
	cp := *t
	return &cp, nil
}

func (f *fakePremium) UpdateTask(_ context.Context, id, etag string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return "", &httpclient.HTTPError{System: "fake", Method: http.MethodPatch, Path: id, Status: http.StatusNotFound}
	}
	if etag != "" && etag != t.ETag {
		return "", preconditionFailed(id)
	}
	f.apply(t, fields)
	f.updates++
	return t.ETag, nil
}

func (f *fakePremium) Delta(_ context.Context, link string) ([]*models.PremiumTask, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltaCalls = append(f.deltaCalls, link)
	out := f.deltaTasks
	f.deltaTasks = nil
	return out, fmt.Sprintf("delta-%d", len(f.deltaCalls)), nil
}

func (f *fakePremium) ScheduleAPIAvailable() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scheduleAvailable
}

func (f *fakePremium) CreateOperationSet(context.Context, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := uuid.NewString()
	f.opSets[id] = nil
	return id, nil
}

func (f *fakePremium) PssCreate(_ context.Context, opID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opSets[opID] = append(f.opSets[opID], stagedOp{taskID: fields[premium.FieldTaskID].(string), fields: fields})
	return nil
}

func (f *fakePremium) PssUpdate(_ context.Context, opID, taskID string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opSets[opID] = append(f.opSets[opID], stagedOp{update: true, taskID: taskID, fields: fields})
	return nil
}

func (f *fakePremium) ExecuteOperationSet(_ context.Context, opID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed++
	if f.executeErr != nil {
		return f.executeErr
	}
	for _, op := range f.opSets[opID] {
		t, ok := f.tasks[op.taskID]
		if !ok {
			t = &models.PremiumTask{ID: op.taskID}
			f.tasks[op.taskID] = t
			f.creates++
		} else {
			f.updates++
		}
		f.apply(t, op.fields)
	}
	return nil
}

func (f *fakePremium) FindBookableResource(_ context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[strings.ToLower(name)], nil
}

func (f *fakePremium) EnsureTeamMember(_ context.Context, projectID, resourceID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := projectID + "/" + resourceID
	if id, ok := f.members[key]; ok {
		return id, nil
	}
	f.members[key] = uuid.NewString()
	return f.members[key], nil
}

func (f *fakePremium) EnsureResourceAssignment(_ context.Context, _, taskID, memberID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.assigned[taskID] = memberID
	return nil
}

// fakePlanner is an in-memory task board.
type fakePlanner struct {
	mu      sync.Mutex
	plans   map[string]*models.PlannerPlan
	buckets map[string][]models.PlannerBucket
	tasks   map[string]*models.PlannerTask
	version int
	writes  int

	delta map[string][]*models.PlannerTask
}

func newFakePlanner() *fakePlanner {
	return &fakePlanner{
		plans:   map[string]*models.PlannerPlan{},
		buckets: map[string][]models.PlannerBucket{},
		tasks:   map[string]*models.PlannerTask{},
		delta:   map[string][]*models.PlannerTask{},
	}
}

func (f *fakePlanner) nextETag() string {
	f.version++
	return fmt.Sprintf(`W/"pl-%d"`, f.version)
}

func (f *fakePlanner) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakePlanner) ListPlans(context.Context) ([]models.PlannerPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PlannerPlan
	for _, p := range f.plans {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (f *fakePlanner) GetPlan(_ context.Context, id string) (*models.PlannerPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.plans[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (f *fakePlanner) CreatePlan(_ context.Context, title string) (*models.PlannerPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	p := &models.PlannerPlan{ID: "plan-" + uuid.NewString()[:8], Title: title}
	f.plans[p.ID] = p
	cp := *p
	return &cp, nil
}

func (f *fakePlanner) ListBuckets(_ context.Context, planID string) ([]models.PlannerBucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.PlannerBucket(nil), f.buckets[planID]...), nil
}

func (f *fakePlanner) CreateBucket(_ context.Context, planID, name string) (*models.PlannerBucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	b := models.PlannerBucket{ID: "bucket-" + name, Name: name, PlanID: planID}
	f.buckets[planID] = append(f.buckets[planID], b)
	return &b, nil
}

func (f *fakePlanner) ListTasks(_ context.Context, planID string) ([]*models.PlannerTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.PlannerTask
	for _, t := range f.tasks {
		if t.PlanID == planID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakePlanner) GetTask(_ context.Context, id string) (*models.PlannerTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.tasks[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (f *fakePlanner) CreateTask(_ context.Context, task models.PlannerTask) (*models.PlannerTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	task.ID = "task-" + uuid.NewString()[:8]
	task.ETag = f.nextETag()
	f.tasks[task.ID] = &task
	cp := task
	return &cp, nil
}

func (f *fakePlanner) UpdateTask(_ context.Context, id, etag string, fields map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return "", &httpclient.HTTPError{System: "fake", Method: http.MethodPatch, Path: id, Status: http.StatusNotFound}
	}
	if etag != t.ETag {
		return "", preconditionFailed(id)
	}
	f.writes++
	for k, v := range fields {
		switch k {
		case "title":
			t.Title = v.(string)
		case "percentComplete":
			t.PercentComplete = v.(int)
		case "startDateTime":
			t.StartDateTime = v.(*string)
		case "dueDateTime":
			t.DueDateTime = v.(*string)
		case "bucketId":
			t.BucketID = v.(string)
		}
	}
	t.ETag = f.nextETag()
	return t.ETag, nil
}

func (f *fakePlanner) DeltaTasks(_ context.Context, planID, link string) ([]*models.PlannerTask, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.delta[planID]
	delete(f.delta, planID)
	return out, planID + "-delta-" + fmt.Sprint(f.version), nil
}

type fakeSettings map[string]bool

func (s fakeSettings) IsDisabled(_ context.Context, no string) bool { return s[no] }
