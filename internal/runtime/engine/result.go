package engine

import (
	"github.com/theam/plasmido/internal/runtime/models"
)

// TaskResult is what a producer or consumer task reports when it ends. Err is
// nil when the task ran to completion or was stopped.
type TaskResult struct {
	ArtifactUUID        string
	ExecutionArtifactID string
	Kind                models.ArtifactType
	Sent                int
	Consumed            int
	Err                 error
}

func (r TaskResult) Failed() bool {
	return r.Err != nil
}

// ResultFor returns the result of the artifact, if its task ended.
func ResultFor(results []TaskResult, artifactUUID string) (TaskResult, bool) {
	for _, r := range results {
		if r.ArtifactUUID == artifactUUID {
			return r, true
		}
	}
	return TaskResult{}, false
}
