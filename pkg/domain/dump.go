package domain

import (
	"fmt"
	"time"
)

// DumpStage identifies a step in the dump processing pipeline.
type DumpStage string

// Dump stages in pipeline order.
const (
	StageDownloaded          DumpStage = "downloaded"
	StageExtracted           DumpStage = "extracted"
	StageHierarchyImported   DumpStage = "hierarchy_imported"
	StageEntitiesImported    DumpStage = "entities_imported"
	StagePoliticiansImported DumpStage = "politicians_imported"
)

// DumpStages lists the stages in the only legal order.
var DumpStages = []DumpStage{
	StageDownloaded,
	StageExtracted,
	StageHierarchyImported,
	StageEntitiesImported,
	StagePoliticiansImported,
}

// Dump records one snapshot of the source graph and the completion time of
// each pipeline stage.
type Dump struct {
	ID                    string     `json:"id"`
	Key                   string     `json:"key"`
	Fingerprint           string     `json:"fingerprint"`
	CreatedAt             time.Time  `json:"created_at"`
	DownloadedAt          *time.Time `json:"downloaded_at,omitempty"`
	ExtractedAt           *time.Time `json:"extracted_at,omitempty"`
	HierarchyImportedAt   *time.Time `json:"hierarchy_imported_at,omitempty"`
	EntitiesImportedAt    *time.Time `json:"entities_imported_at,omitempty"`
	PoliticiansImportedAt *time.Time `json:"politicians_imported_at,omitempty"`
}

func (d *Dump) stageField(stage DumpStage) (**time.Time, error) {
	switch stage {
	case StageDownloaded:
		return &d.DownloadedAt, nil
	case StageExtracted:
		return &d.ExtractedAt, nil
	case StageHierarchyImported:
		return &d.HierarchyImportedAt, nil
	case StageEntitiesImported:
		return &d.EntitiesImportedAt, nil
	case StagePoliticiansImported:
		return &d.PoliticiansImportedAt, nil
	default:
		return nil, fmt.Errorf("unknown dump stage %q", stage)
	}
}

// StageAt returns the completion time of stage, or nil when not reached.
func (d Dump) StageAt(stage DumpStage) *time.Time {
	field, err := d.stageField(stage)
	if err != nil {
		return nil
	}
	return *field
}

// Reached reports whether stage has been completed.
func (d Dump) Reached(stage DumpStage) bool {
	return d.StageAt(stage) != nil
}

// Current returns the last completed stage, or "" for a fresh dump.
func (d Dump) Current() DumpStage {
	var current DumpStage
	for _, stage := range DumpStages {
		if !d.Reached(stage) {
			break
		}
		current = stage
	}
	return current
}

// Advance marks stage as completed at now. The predecessor stage must already
// be complete; marking an already completed stage keeps its original time.
func (d *Dump) Advance(stage DumpStage, now time.Time) error {
	field, err := d.stageField(stage)
	if err != nil {
		return err
	}
	if *field != nil {
		return nil
	}
	for i, s := range DumpStages {
		if s != stage {
			continue
		}
		if i > 0 && !d.Reached(DumpStages[i-1]) {
			return fmt.Errorf("%w: dump %s cannot reach %s before %s", ErrInvalidTransition, d.ID, stage, DumpStages[i-1])
		}
		break
	}
	t := now.UTC()
	*field = &t
	return nil
}
