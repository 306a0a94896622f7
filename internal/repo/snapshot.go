package repo

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/slate/internal/note"
)

// snapshot is the immutable payload stored on a sync queue item: the note's
// net state at commit time. It deliberately duplicates the live rows so the
// historical record survives later edits or deletion of the note.
type snapshot struct {
	ID           string           `json:"id"`
	TeacherID    string           `json:"teacherId"`
	SchoolID     string           `json:"schoolId"`
	ClassID      string           `json:"classId"`
	SubjectID    string           `json:"subjectId,omitempty"`
	SchoolYearID string           `json:"schoolYearId,omitempty"`
	TermID       string           `json:"termId,omitempty"`
	Type         string           `json:"type"`
	Title        string           `json:"title"`
	Description  string           `json:"description,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	Details      []detailSnapshot `json:"details,omitempty"`
}

type detailSnapshot struct {
	ID        string `json:"id"`
	StudentID string `json:"studentId"`
	Value     string `json:"value"`
}

func snapshotFrom(nwd *note.NoteWithDetails) snapshot {
	s := snapshot{
		ID:           nwd.ID,
		TeacherID:    nwd.TeacherID,
		SchoolID:     nwd.SchoolID,
		ClassID:      nwd.ClassID,
		SubjectID:    nwd.SubjectID,
		SchoolYearID: nwd.SchoolYearID,
		TermID:       nwd.TermID,
		Type:         string(nwd.Type),
		Title:        nwd.Title,
		Description:  nwd.Description,
		UpdatedAt:    nwd.UpdatedAt,
	}
	for _, d := range nwd.Details {
		s.Details = append(s.Details, detailSnapshot{ID: d.ID, StudentID: d.StudentID, Value: d.Value})
	}
	return s
}

// DecodeSnapshot rebuilds a NoteWithDetails from a queue payload. Used for
// diagnostics on items whose note has since been tombstoned.
func DecodeSnapshot(payload []byte) (*note.NoteWithDetails, error) {
	var s snapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	nwd := &note.NoteWithDetails{
		Note: note.Note{
			ID:           s.ID,
			TeacherID:    s.TeacherID,
			SchoolID:     s.SchoolID,
			ClassID:      s.ClassID,
			SubjectID:    s.SubjectID,
			SchoolYearID: s.SchoolYearID,
			TermID:       s.TermID,
			Type:         note.Type(s.Type),
			Title:        s.Title,
			Description:  s.Description,
			UpdatedAt:    s.UpdatedAt,
		},
	}
	for _, d := range s.Details {
		nwd.Details = append(nwd.Details, note.Detail{ID: d.ID, NoteID: s.ID, StudentID: d.StudentID, Value: d.Value})
	}
	return nwd, nil
}
