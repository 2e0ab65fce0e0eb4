package workers

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const DAY_FOR_MONTHLY_RUNS = 1

// Alerter notifies operators, e.g. the system Telegram bot or Slack.
type Alerter interface {
	Alert(ctx context.Context, text string)
}

type Worker struct {
	Interval    time.Duration
	Name        string
	MainBotName string
	Monthly     bool
	Run         func()
	Stop        chan struct{}
	Alerter     Alerter
	Now         func() time.Time
}

func NewWorker(name, mainBotName string, alerter Alerter, interval time.Duration, run func(), monthly bool) *Worker {
	return &Worker{
		Interval:    interval,
		Name:        name,
		MainBotName: mainBotName,
		Monthly:     monthly,
		Run:         run,
		Stop:        make(chan struct{}),
		Alerter:     alerter,
		Now:         time.Now,
	}
}

func (w *Worker) due() bool {
	return !w.Monthly || w.Now().Day() == DAY_FOR_MONTHLY_RUNS
}

func (w *Worker) Start() {
	log.Infof("[%s] starting worker, interval %s", w.Name, w.Interval)
	if w.due() {
		w.Run()
	}
	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if w.due() {
				w.Run()
			}
		case <-w.Stop:
			log.Infof("[%s] worker stopped", w.Name)
			return
		}
	}
}

func (w *Worker) StopWorker() {
	w.Stop <- struct{}{}
}

// Alert reports a problem to operators, prefixed with the bot name.
func (w *Worker) Alert(text string) {
	message := "🔥 " + w.MainBotName + ": " + text + " 🔥"
	log.Error(message)
	if w.Alerter == nil {
		log.Errorf("[%s] no alerter configured", w.Name)
		return
	}
	w.Alerter.Alert(context.Background(), message)
}
