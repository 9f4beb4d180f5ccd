package model

// DateLayout is the key format of DailyStatistic.Date (UTC calendar date).
const DateLayout = "2006-01-02"

// DailyStatistic aggregates successful logins for one calendar day.
type DailyStatistic struct {
	Date       string `json:"date"`
	LoginTimes int64  `json:"loginTimes"`
}

// UserStatistics is the dashboard summary.
type UserStatistics struct {
	UsersCount             int64   `json:"usersCount"`
	TodayLoginTimes        int64   `json:"todayLoginTimes"`
	Last7DaysAvgLoginTimes float64 `json:"last7DaysAvgLoginTimes"`
}
