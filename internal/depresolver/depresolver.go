// Package depresolver advances jobs out of HOLD based on their
// afterok predecessors' outcomes, once per dispatcher tick.
package depresolver

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/sbs/internal/mail"
	"github.com/ChuLiYu/sbs/internal/store"
	"github.com/ChuLiYu/sbs/pkg/types"
)

var log = slog.Default()

// verdict is the per-job outcome of evaluating its predecessors.
type verdict int

const (
	verdictStayHold verdict = iota
	verdictPromote
	verdictCancel
)

// Resolve evaluates every HOLD job in ascending id order, promoting
// jobs whose predecessors all succeeded to QUEUED and cancelling jobs
// whose predecessors failed or were cancelled. A predecessor that no
// longer exists is treated as SUCCESS (spec.md §4.3 step 2): it is
// assumed to have been cleaned up after succeeding.
func Resolve(s *store.Store) (promoted, cancelled []types.JobID, err error) {
	ids, err := s.ListIDs()
	if err != nil {
		return nil, nil, fmt.Errorf("depresolver: list ids: %w", err)
	}

	for _, id := range ids {
		status, err := s.ReadStatus(id)
		if err != nil {
			return nil, nil, fmt.Errorf("depresolver: read status %d: %w", id, err)
		}
		if status != types.StatusHold {
			continue
		}

		settings, err := s.ReadSettings(id)
		if err != nil {
			return nil, nil, fmt.Errorf("depresolver: read settings %d: %w", id, err)
		}

		v, becauseOf, err := evaluate(s, settings.AfterOK())
		if err != nil {
			return nil, nil, fmt.Errorf("depresolver: evaluate %d: %w", id, err)
		}

		switch v {
		case verdictPromote:
			if err := s.AppendStatus(id, types.StatusQueued, time.Now()); err != nil {
				return nil, nil, fmt.Errorf("depresolver: promote %d: %w", id, err)
			}
			log.Info("dependency resolver promoted job", "jobID", id)
			promoted = append(promoted, id)
		case verdictCancel:
			if err := s.AppendStatus(id, types.StatusCancel, time.Now()); err != nil {
				return nil, nil, fmt.Errorf("depresolver: cancel %d: %w", id, err)
			}
			if err := s.WriteBecauseOf(id, becauseOf); err != nil {
				return nil, nil, fmt.Errorf("depresolver: record because_of %d: %w", id, err)
			}
			log.Info("dependency resolver cancelled job", "jobID", id, "becauseOf", becauseOf)
			if to := settings["mail"]; to != "" {
				if err := mail.Notify(to, "job cancelled", fmt.Sprintf("job %d cancelled, because_of_jobid=%d", id, becauseOf)); err != nil {
					log.Warn("mail notification failed", "jobID", id, "err", err)
				}
			}
			cancelled = append(cancelled, id)
		case verdictStayHold:
			// nothing to do this tick
		}
	}

	return promoted, cancelled, nil
}

// evaluate implements spec.md §4.3 step 3's aggregation: ERROR beats
// CANCEL beats "still pending", and only an all-terminal,
// none-failed set promotes.
func evaluate(s *store.Store, predecessors []types.JobID) (verdict, types.JobID, error) {
	if len(predecessors) == 0 {
		return verdictPromote, 0, nil
	}

	anyPending := false
	var firstCancelled types.JobID
	anyCancelled := false
	for _, p := range predecessors {
		status, err := s.ReadStatus(p)
		if err != nil {
			if errors.Is(err, store.ErrJobNotFound) {
				continue // missing predecessor assumed SUCCESS
			}
			return verdictStayHold, 0, err
		}

		switch status {
		case types.StatusError:
			return verdictCancel, p, nil
		case types.StatusCancel:
			if !anyCancelled {
				firstCancelled, anyCancelled = p, true
			}
		case types.StatusSuccess:
			// satisfied, keep checking the rest
		default:
			anyPending = true
		}
	}

	if anyCancelled {
		return verdictCancel, firstCancelled, nil
	}
	if anyPending {
		return verdictStayHold, 0, nil
	}
	return verdictPromote, 0, nil
}
