package update

import (
	"time"

	"github.com/updraft-io/updraft/core/catalog"
)

// Submission is a caller's request to update a catalog entry.
type Submission struct {
	ContentType  catalog.ContentType `json:"type"`
	ContentID    string              `json:"id"`
	URL          string              `json:"url"`
	FileOverride string              `json:"file,omitempty"`
	ForgeID      string              `json:"forge_id,omitempty"`
	Beta         bool                `json:"beta,omitempty"`
}

// Approver records one sign-off on a pending update.
type Approver struct {
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
	At   time.Time `json:"at"`
}

// PendingUpdate is a validated proposal awaiting approval. The key is the
// confirmation identifier handed back to the submitter.
type PendingUpdate struct {
	Key         string              `json:"key"`
	ContentType catalog.ContentType `json:"type"`
	ContentID   string              `json:"id"`
	URL         string              `json:"url"`
	File        string              `json:"file"`
	Hash        string              `json:"hash"`
	Sha256      string              `json:"sha256"`
	Beta        bool                `json:"beta,omitempty"`
	Initiator   string              `json:"initiator"`
	Approvers   []Approver          `json:"approvers,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Age returns how long the proposal has been pending.
func (p *PendingUpdate) Age(now time.Time) time.Duration {
	return now.Sub(p.CreatedAt)
}

// ApprovedBy reports whether the given principal already signed off.
func (p *PendingUpdate) ApprovedBy(id string) bool {
	for _, a := range p.Approvers {
		if a.ID == id {
			return true
		}
	}
	return false
}
