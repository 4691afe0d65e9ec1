package premium

import (
	"encoding/json"
	"strings"

	"bcsync/internal/models"

	"github.com/google/uuid"
)

// Entity sets and attribute names of the project scheduling schema.
const (
	ProjectsSet    = "msdyn_projects"
	TasksSet       = "msdyn_projecttasks"
	ResourcesSet   = "bookableresources"
	TeamsSet       = "msdyn_projectteams"
	AssignmentsSet = "msdyn_resourceassignments"

	FieldProjectID   = "msdyn_projectid"
	FieldTaskID      = "msdyn_projecttaskid"
	FieldSubject     = "msdyn_subject"
	FieldStart       = "msdyn_scheduledstart"
	FieldEnd         = "msdyn_scheduledend"
	FieldProgress    = "msdyn_progress"
	FieldDescription = "msdyn_description"
	FieldProjectRef  = "_msdyn_project_value"
	FieldModifiedOn  = "modifiedon"
	FieldProjectBind = "msdyn_project@odata.bind"

	taskEntityType = "Microsoft.Dynamics.CRM.msdyn_projecttask"
)

// ProjectBind is the @odata.bind reference to a project.
func ProjectBind(projectID string) string {
	return "/" + ProjectsSet + "(" + projectID + ")"
}

// ValidID reports whether id has the shape of an entity-store primary key.
func ValidID(id string) bool {
	_, err := uuid.Parse(strings.Trim(id, "{}"))
	return id != "" && err == nil
}

// decodeTask maps a raw task entity onto the typed view. A removed entry from
// a delta response carries only the id and a reason.
func decodeTask(raw json.RawMessage, taskNumberField string) (*models.PremiumTask, error) {
	var rec models.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	task := &models.PremiumTask{
		ID:             rec.GetString(FieldTaskID),
		ETag:           rec.GetString("@odata.etag"),
		ProjectID:      rec.GetString(FieldProjectRef),
		Subject:        rec.GetString(FieldSubject),
		TaskNumber:     rec.GetString(taskNumberField),
		ScheduledStart: rec.GetString(FieldStart),
		ScheduledEnd:   rec.GetString(FieldEnd),
		ModifiedOn:     rec.GetTime(FieldModifiedOn),
	}
	task.Progress, task.HasProgress = rec.GetFloat(FieldProgress)

	if rec.Has("@removed") || rec.GetString("reason") == "deleted" {
		task.Removed = true
		if task.ID == "" {
			task.ID = rec.GetString("id")
		}
	}
	return task, nil
}

func decodeProject(rec models.Record, numberField string) *models.PremiumProject {
	return &models.PremiumProject{
		ID:      rec.GetString(FieldProjectID),
		Subject: rec.GetString(FieldSubject),
		Number:  rec.GetString(numberField),
		ETag:    rec.GetString("@odata.etag"),
	}
}
