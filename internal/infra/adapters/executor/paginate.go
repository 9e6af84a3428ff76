package executor

import (
	"bizdash-jobs/internal/domain/model"
	"bizdash-jobs/internal/domain/ports/adapter"

	"github.com/tidwall/gjson"
)

// NextPage reads the continuation out of the last page's response body.
// hasMorePath must resolve to true and nextPath to a non-empty value; a
// failed page ends the run.
func NextPage(hasMorePath, nextPath string) adapter.NextTargetFunc {
	if hasMorePath == "" {
		hasMorePath = "has_more"
	}
	if nextPath == "" {
		nextPath = "next"
	}
	return func(last model.TargetOutcome) (model.Target, bool) {
		if last.Error != nil || len(last.Data) == 0 {
			return model.Target{}, false
		}
		if !gjson.GetBytes(last.Data, hasMorePath).Bool() {
			return model.Target{}, false
		}
		next := gjson.GetBytes(last.Data, nextPath).String()
		if next == "" {
			return model.Target{}, false
		}
		return model.Target{ID: next}, true
	}
}
