package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sakif/accounts/internal/apperror"
	"github.com/sakif/accounts/internal/model"
	"github.com/sakif/accounts/internal/repository"
)

var _ repository.StatisticsRepository = (*StatisticsDB)(nil)

// StatisticsDB reads daily_statistics. Writes happen through
// UserDB.IncrementLoginCounters, in the same transaction as the user row.
type StatisticsDB struct {
	q querier
}

// GetDailyStatistic returns the counter row for date.
func (s *StatisticsDB) GetDailyStatistic(ctx context.Context, date string) (*model.DailyStatistic, error) {
	var d model.DailyStatistic
	err := s.q.QueryRowContext(ctx,
		`SELECT date, login_times FROM daily_statistics WHERE date = ?`, date,
	).Scan(&d.Date, &d.LoginTimes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("daily statistic", date)
		}
		return nil, fmt.Errorf("sqlite: getting daily statistic %s: %w", date, err)
	}
	return &d, nil
}

// AverageLoginTimes averages login_times over the rows in [fromDate, toDate].
//
// AVG over zero rows is NULL in SQL, hence the NullFloat64.
func (s *StatisticsDB) AverageLoginTimes(ctx context.Context, fromDate, toDate string) (float64, error) {
	var avg sql.NullFloat64
	err := s.q.QueryRowContext(ctx,
		`SELECT AVG(login_times) FROM daily_statistics WHERE date >= ? AND date <= ?`,
		fromDate, toDate,
	).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("sqlite: averaging login times: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}
