package document

// Snapshot stores the durable merged state for a named collaborative document.
// The blob is the full CRDT save, not an update log; individual fragments are
// never persisted.
type Snapshot struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	StateB64         string `gorm:"column:state_b64;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Snapshot) TableName() string {
	return "document_snapshots"
}
