package records_test

import (
	"testing"

	"github.com/surajsub/temporal-release-pipeline/records"
	"github.com/surajsub/temporal-release-pipeline/records/recordstest"
)

func TestMemoryRecorder(t *testing.T) {
	recordstest.Run(t, func(t *testing.T) records.Recorder {
		return records.NewMemoryRecorder()
	})
}
