package models

// Record is one row of the storage substrate: a value stored under a key
// within a namespace.
type Record struct {
	Namespace string `db:"namespace" json:"namespace"`
	Key       string `db:"key" json:"key"`
	Value     []byte `db:"value" json:"value"`
	UpdatedAt int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Record.
func (Record) TableName() string {
	return "kv_records"
}
