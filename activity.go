package crmdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/uptrace/bun"
)

// ActivityObject is the kind of CRM record an activity refers to
type ActivityObject string

const (
	ObjectLead    ActivityObject = "Lead"
	ObjectTask    ActivityObject = "Task"
	ObjectContact ActivityObject = "Contact"
	ObjectInvoice ActivityObject = "Invoice"
	ObjectSystem  ActivityObject = "System"
)

// Impact of an activity as shown in the activity feed
type Impact string

const (
	ImpactPositive Impact = "positive"
	ImpactNeutral  Impact = "neutral"
	ImpactNegative Impact = "negative"
)

// Priority of an activity
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ActivityValue is one labelled chip of a before/after value
type ActivityValue struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
	Color string `json:"color"`
}

// ActivityEntry is a single activity log entry to be written
type ActivityEntry struct {
	UserID      any // user performing the action; may be nil for system jobs
	ObjectType  ActivityObject
	ObjectID    any // nil for system activities
	ObjectName  string
	EventType   string
	Description string
	Before      []ActivityValue
	After       []ActivityValue
	Impact      Impact   // default: neutral
	Priority    Priority // default: medium
}

// ActivityLog is a row of the activity_logs table.
//
// Create the table with (MySQL):
//
//	CREATE TABLE activity_logs (
//	    id INT AUTO_INCREMENT PRIMARY KEY,
//	    user_id INT,
//	    object_type VARCHAR(50) NOT NULL,
//	    object_id INT,
//	    object_name VARCHAR(255),
//	    event_type VARCHAR(100) NOT NULL,
//	    event_description TEXT,
//	    value_before JSON,
//	    value_after JSON,
//	    impact VARCHAR(20) DEFAULT 'neutral',
//	    priority VARCHAR(20) DEFAULT 'medium',
//	    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
//	);
type ActivityLog struct {
	bun.BaseModel `bun:"table:activity_logs,alias:al"`

	ID          int64          `bun:"id,pk,autoincrement" json:"id"`
	UserID      *int64         `bun:"user_id" json:"user_id"`
	ObjectType  ActivityObject `bun:"object_type,notnull" json:"object_type"`
	ObjectID    *int64         `bun:"object_id" json:"object_id"`
	ObjectName  string         `bun:"object_name" json:"object_name"`
	EventType   string         `bun:"event_type,notnull" json:"event_type"`
	Description string         `bun:"event_description" json:"event_description"`
	ValueBefore string         `bun:"value_before" json:"value_before"`
	ValueAfter  string         `bun:"value_after" json:"value_after"`
	Impact      Impact         `bun:"impact" json:"impact"`
	Priority    Priority       `bun:"priority" json:"priority"`
	CreatedAt   time.Time      `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// Before decodes value_before
func (l *ActivityLog) Before() ([]ActivityValue, error) {
	return decodeActivityValues(l.ValueBefore)
}

// After decodes value_after
func (l *ActivityLog) After() ([]ActivityValue, error) {
	return decodeActivityValues(l.ValueAfter)
}

func decodeActivityValues(s string) ([]ActivityValue, error) {
	if s == "" {
		return []ActivityValue{}, nil
	}
	var v []ActivityValue
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("crmdb: decode activity values: %w", err)
	}
	return v, nil
}

const insertActivitySQL = `INSERT INTO activity_logs
(user_id, object_type, object_id, object_name, event_type, event_description, value_before, value_after, impact, priority)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectActivitySQL = `SELECT id, user_id, object_type, object_id, object_name, event_type,
event_description, value_before, value_after, impact, priority, created_at
FROM activity_logs`

// ActivityLogger writes the CRM activity feed. The Log* helpers never fail:
// a write error is logged and dropped so that it cannot break the action
// being recorded.
type ActivityLogger struct {
	db     Querier
	logger *slog.Logger
}

// NewActivityLogger creates an activity logger writing through db, which may
// be a *DB or a *Conn
func NewActivityLogger(db Querier, logger *slog.Logger) *ActivityLogger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ActivityLogger{db: db, logger: logger}
}

// Insert writes entry and reports any error
func (a *ActivityLogger) Insert(ctx context.Context, entry ActivityEntry) error {
	if entry.Impact == "" {
		entry.Impact = ImpactNeutral
	}
	if entry.Priority == "" {
		entry.Priority = PriorityMedium
	}
	before, err := encodeActivityValues(entry.Before)
	if err != nil {
		return err
	}
	after, err := encodeActivityValues(entry.After)
	if err != nil {
		return err
	}

	_, err = a.db.Execute(ctx, insertActivitySQL,
		entry.UserID,
		string(entry.ObjectType),
		entry.ObjectID,
		entry.ObjectName,
		entry.EventType,
		entry.Description,
		before,
		after,
		string(entry.Impact),
		string(entry.Priority),
	)
	return err
}

func encodeActivityValues(v []ActivityValue) (string, error) {
	if len(v) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("crmdb: encode activity values: %w", err)
	}
	return string(b), nil
}

// record writes entry, logging instead of returning a failure
func (a *ActivityLogger) record(ctx context.Context, what string, entry ActivityEntry) {
	if err := a.Insert(ctx, entry); err != nil {
		a.logger.ErrorContext(ctx, "error logging "+what,
			"object_type", string(entry.ObjectType),
			"event_type", entry.EventType,
			"error", err.Error(),
		)
	}
}

// LogActivity records a generic activity. Impact and priority default to
// neutral and medium.
func (a *ActivityLogger) LogActivity(ctx context.Context, entry ActivityEntry) {
	if entry.After == nil {
		entry.After = []ActivityValue{{Type: "Status", Value: "Completed", Color: "green"}}
	}
	a.record(ctx, "activity", entry)
}

// LogLeadCreated records a new lead
func (a *ActivityLogger) LogLeadCreated(ctx context.Context, userID, leadID any, leadName, source, stage string) {
	a.record(ctx, "lead creation", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectLead,
		ObjectID:    leadID,
		ObjectName:  leadName,
		EventType:   "Lead created",
		Description: "New lead created from " + source,
		After: []ActivityValue{
			{Type: "Source", Value: source, Color: "blue"},
			{Type: "Stage", Value: stage, Color: "blue"},
		},
		Impact:   ImpactPositive,
		Priority: PriorityMedium,
	})
}

// LogLeadStageChanged records a pipeline move. impact defaults to neutral.
func (a *ActivityLogger) LogLeadStageChanged(ctx context.Context, userID, leadID any, leadName, oldStage, newStage string, impact Impact) {
	if impact == "" {
		impact = ImpactNeutral
	}
	a.record(ctx, "stage change", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectLead,
		ObjectID:    leadID,
		ObjectName:  leadName,
		EventType:   "Sales stage changed",
		Description: fmt.Sprintf("Lead moved from %s to %s", oldStage, newStage),
		Before:      []ActivityValue{{Type: "Pipeline", Value: oldStage, Color: "blue"}},
		After:       []ActivityValue{{Type: "Pipeline", Value: newStage, Color: "green"}},
		Impact:      impact,
		Priority:    PriorityHigh,
	})
}

// LogLeadWon records a lead converted to a customer
func (a *ActivityLogger) LogLeadWon(ctx context.Context, userID, leadID any, leadName, oldStage string) {
	a.record(ctx, "lead won", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectLead,
		ObjectID:    leadID,
		ObjectName:  leadName,
		EventType:   "Lead won",
		Description: "Lead successfully converted to customer",
		Before:      []ActivityValue{{Type: "Pipeline", Value: oldStage, Color: "blue"}},
		After:       []ActivityValue{{Type: "Pipeline", Value: "Closed - Won", Color: "green"}},
		Impact:      ImpactPositive,
		Priority:    PriorityHigh,
	})
}

// LogLeadLost records a lost lead
func (a *ActivityLogger) LogLeadLost(ctx context.Context, userID, leadID any, leadName, oldStage string) {
	a.record(ctx, "lead lost", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectLead,
		ObjectID:    leadID,
		ObjectName:  leadName,
		EventType:   "Lead lost",
		Description: "Lead marked as lost during " + oldStage,
		Before:      []ActivityValue{{Type: "Pipeline", Value: oldStage, Color: "blue"}},
		After:       []ActivityValue{{Type: "Pipeline", Value: "Closed - Lost", Color: "red"}},
		Impact:      ImpactNegative,
		Priority:    PriorityHigh,
	})
}

// LogLeadAssigned records a change of assignee. An empty oldAssignee is
// shown as "Unassigned".
func (a *ActivityLogger) LogLeadAssigned(ctx context.Context, userID, leadID any, leadName, oldAssignee, newAssignee string) {
	if oldAssignee == "" {
		oldAssignee = "Unassigned"
	}
	a.record(ctx, "lead assignment", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectLead,
		ObjectID:    leadID,
		ObjectName:  leadName,
		EventType:   "Lead assigned",
		Description: "Lead assigned to " + newAssignee,
		Before:      []ActivityValue{{Type: "Assignee", Value: oldAssignee, Color: "gray"}},
		After:       []ActivityValue{{Type: "Assignee", Value: newAssignee, Color: "blue"}},
		Impact:      ImpactNeutral,
		Priority:    PriorityLow,
	})
}

// LogTaskCreated records a new task
func (a *ActivityLogger) LogTaskCreated(ctx context.Context, userID, taskID any, taskName string, dueDate any, priority string) {
	a.record(ctx, "task creation", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectTask,
		ObjectID:    taskID,
		ObjectName:  taskName,
		EventType:   "Task created",
		Description: "New task created",
		After: []ActivityValue{
			{Type: "Due Date", Value: dueDate, Color: "blue"},
			{Type: "Priority", Value: priority, Color: "red"},
		},
		Impact:   ImpactPositive,
		Priority: PriorityMedium,
	})
}

// LogTaskCompleted records a completed task
func (a *ActivityLogger) LogTaskCompleted(ctx context.Context, userID, taskID any, taskName string) {
	a.record(ctx, "task completion", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectTask,
		ObjectID:    taskID,
		ObjectName:  taskName,
		EventType:   "Task completed",
		Description: "Task marked as completed",
		Before:      []ActivityValue{{Type: "Status", Value: "In Progress", Color: "yellow"}},
		After:       []ActivityValue{{Type: "Status", Value: "Completed", Color: "green"}},
		Impact:      ImpactPositive,
		Priority:    PriorityMedium,
	})
}

// LogContactCreated records a new contact
func (a *ActivityLogger) LogContactCreated(ctx context.Context, userID, contactID any, contactName, email, phone string) {
	a.record(ctx, "contact creation", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectContact,
		ObjectID:    contactID,
		ObjectName:  contactName,
		EventType:   "Contact created",
		Description: "New contact added to CRM system",
		After: []ActivityValue{
			{Type: "Email", Value: email, Color: "teal"},
			{Type: "Phone", Value: phone, Color: "teal"},
		},
		Impact:   ImpactPositive,
		Priority: PriorityMedium,
	})
}

// LogInvoiceCreated records a new draft invoice
func (a *ActivityLogger) LogInvoiceCreated(ctx context.Context, userID, invoiceID any, invoiceName string, amount any) {
	a.record(ctx, "invoice creation", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectInvoice,
		ObjectID:    invoiceID,
		ObjectName:  invoiceName,
		EventType:   "Invoice created",
		Description: "New invoice created",
		After: []ActivityValue{
			{Type: "Status", Value: "Draft", Color: "gray"},
			{Type: "Amount", Value: amount, Color: "green"},
		},
		Impact:   ImpactPositive,
		Priority: PriorityMedium,
	})
}

// LogInvoiceStatusChanged records an invoice status transition
func (a *ActivityLogger) LogInvoiceStatusChanged(ctx context.Context, userID, invoiceID any, invoiceName, oldStatus, newStatus string) {
	a.record(ctx, "invoice status change", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectInvoice,
		ObjectID:    invoiceID,
		ObjectName:  invoiceName,
		EventType:   "Invoice status changed",
		Description: fmt.Sprintf("Invoice status changed from %s to %s", oldStatus, newStatus),
		Before:      []ActivityValue{{Type: "Status", Value: oldStatus, Color: "yellow"}},
		After:       []ActivityValue{{Type: "Status", Value: newStatus, Color: "green"}},
		Impact:      ImpactPositive,
		Priority:    PriorityHigh,
	})
}

// LogSystemActivity records a system job such as a sync run. impact
// defaults to neutral.
func (a *ActivityLogger) LogSystemActivity(ctx context.Context, userID any, activityName, description string, impact Impact) {
	if impact == "" {
		impact = ImpactNeutral
	}
	a.record(ctx, "system activity", ActivityEntry{
		UserID:      userID,
		ObjectType:  ObjectSystem,
		ObjectName:  activityName,
		EventType:   description,
		Description: description,
		After:       []ActivityValue{{Type: "Status", Value: "Completed", Color: "green"}},
		Impact:      impact,
		Priority:    PriorityLow,
	})
}

// Recent returns the latest limit activities, newest first
func (a *ActivityLogger) Recent(ctx context.Context, limit int) ([]ActivityLog, error) {
	return Select[ActivityLog](ctx, a.db, selectActivitySQL+" ORDER BY created_at DESC, id DESC LIMIT ?", limit)
}

// ForObject returns the latest limit activities of one record, newest first
func (a *ActivityLogger) ForObject(ctx context.Context, objectType ActivityObject, objectID any, limit int) ([]ActivityLog, error) {
	return Select[ActivityLog](ctx, a.db,
		selectActivitySQL+" WHERE object_type = ? AND object_id = ? ORDER BY created_at DESC, id DESC LIMIT ?",
		string(objectType), objectID, limit)
}
