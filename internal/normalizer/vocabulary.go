package normalizer

import (
	"strings"

	"hookrelay/pkg/models"
)

type mapping struct {
	eventType models.EventType
	action    models.Action
}

// vocabulary maps the vendor's event verbs, after normalizeVerb, onto the
// canonical type and action.
var vocabulary = map[string]mapping{
	"create":  {models.EventTypeEntityCreated, models.ActionCreate},
	"created": {models.EventTypeEntityCreated, models.ActionCreate},
	"insert":  {models.EventTypeEntityCreated, models.ActionCreate},
	"new":     {models.EventTypeEntityCreated, models.ActionCreate},
	"add":     {models.EventTypeEntityCreated, models.ActionCreate},
	"added":   {models.EventTypeEntityCreated, models.ActionCreate},

	"update":   {models.EventTypeEntityUpdated, models.ActionUpdate},
	"updated":  {models.EventTypeEntityUpdated, models.ActionUpdate},
	"modify":   {models.EventTypeEntityUpdated, models.ActionUpdate},
	"modified": {models.EventTypeEntityUpdated, models.ActionUpdate},
	"edit":     {models.EventTypeEntityUpdated, models.ActionUpdate},
	"edited":   {models.EventTypeEntityUpdated, models.ActionUpdate},
	"change":   {models.EventTypeEntityUpdated, models.ActionUpdate},
	"changed":  {models.EventTypeEntityUpdated, models.ActionUpdate},

	"delete":  {models.EventTypeEntityDeleted, models.ActionDelete},
	"deleted": {models.EventTypeEntityDeleted, models.ActionDelete},
	"remove":  {models.EventTypeEntityDeleted, models.ActionDelete},
	"removed": {models.EventTypeEntityDeleted, models.ActionDelete},

	"restore":   {models.EventTypeEntityRestored, models.ActionRestore},
	"restored":  {models.EventTypeEntityRestored, models.ActionRestore},
	"undelete":  {models.EventTypeEntityRestored, models.ActionRestore},
	"undeleted": {models.EventTypeEntityRestored, models.ActionRestore},

	"status_change":     {models.EventTypeEntityUpdated, models.ActionStatusChange},
	"status_changed":    {models.EventTypeEntityUpdated, models.ActionStatusChange},
	"statuschange":      {models.EventTypeEntityUpdated, models.ActionStatusChange},
	"assignment_change": {models.EventTypeEntityUpdated, models.ActionAssignmentChange},
	"assignment":        {models.EventTypeEntityUpdated, models.ActionAssignmentChange},
	"assigned":          {models.EventTypeEntityUpdated, models.ActionAssignmentChange},
	"reassigned":        {models.EventTypeEntityUpdated, models.ActionAssignmentChange},

	"batch_create": {models.EventTypeBatch, models.ActionBatchCreate},
	"bulk_create":  {models.EventTypeBatch, models.ActionBatchCreate},
	"batch_update": {models.EventTypeBatch, models.ActionBatchUpdate},
	"bulk_update":  {models.EventTypeBatch, models.ActionBatchUpdate},
	"batch_delete": {models.EventTypeBatch, models.ActionBatchDelete},
	"bulk_delete":  {models.EventTypeBatch, models.ActionBatchDelete},

	"system":       {models.EventTypeSystem, models.ActionCustom},
	"system_event": {models.EventTypeSystem, models.ActionCustom},
}

var actionVocabulary = map[string]models.Action{
	"create":            models.ActionCreate,
	"update":            models.ActionUpdate,
	"delete":            models.ActionDelete,
	"restore":           models.ActionRestore,
	"batch_create":      models.ActionBatchCreate,
	"batch_update":      models.ActionBatchUpdate,
	"batch_delete":      models.ActionBatchDelete,
	"status_change":     models.ActionStatusChange,
	"assignment_change": models.ActionAssignmentChange,
	"custom":            models.ActionCustom,
}

func normalizeVerb(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_", ".", "_").Replace(s)
}

// MapEventType never fails: unrecognised verbs map to custom.
func MapEventType(verb string) (models.EventType, models.Action) {
	if m, ok := vocabulary[normalizeVerb(verb)]; ok {
		return m.eventType, m.action
	}
	return models.EventTypeCustom, models.ActionCustom
}

// MapAction resolves an explicit action field. Verbs from the event-type
// vocabulary are accepted too, so "Updated" yields update.
func MapAction(verb string) models.Action {
	v := normalizeVerb(verb)
	if a, ok := actionVocabulary[v]; ok {
		return a
	}
	if m, ok := vocabulary[v]; ok {
		return m.action
	}
	return models.ActionCustom
}

func batchAction(operation string) models.Action {
	switch MapAction(operation) {
	case models.ActionCreate, models.ActionBatchCreate:
		return models.ActionBatchCreate
	case models.ActionUpdate, models.ActionBatchUpdate:
		return models.ActionBatchUpdate
	case models.ActionDelete, models.ActionBatchDelete:
		return models.ActionBatchDelete
	default:
		return models.ActionCustom
	}
}
