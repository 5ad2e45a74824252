package ports

import "time"

type SchedulerService interface {
	Start()
	Stop()

	ScheduleEvery(interval time.Duration, task func()) error
	ScheduleTaskOnce(at int64, task func()) error
}
