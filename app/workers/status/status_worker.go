// Run regularly to check status of the system and persist it to the redis
package status

import (
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"legalbot/m/v2/app/config"
	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/db/redis"
	"legalbot/m/v2/app/status"
	"legalbot/m/v2/app/workers"
)

const SystemStatusKey = "system-status"

var (
	WORKER *workers.Worker
	AI     status.Pinger
)

func Run() {
	systemStatus, err := redis.WrapInCache(redis.RedisClient, SystemStatusKey, WORKER.Interval*10, FetchStatus)()
	if err != nil {
		log.Errorf("failed to fetch system status: %s", err)
		return
	}
	log.Debugf("system status: %s", systemStatus)
}

func FetchStatus() (string, error) {
	systemStatus := status.New(mongo.MongoDBClient, redis.RedisClient, AI).GetSystemStatus()
	metrics := config.Metrics()
	metrics.Gauge("status_worker.ai_available", boolToFloat64(systemStatus.AI.Available), nil, 1)
	metrics.Gauge("status_worker.mongo_db_available", boolToFloat64(systemStatus.MongoDB.Available), nil, 1)
	metrics.Gauge("status_worker.redis_available", boolToFloat64(systemStatus.Redis.Available), nil, 1)
	metrics.Gauge("status_worker.total_users", float64(systemStatus.Usage.TotalUsers), nil, 1)
	metrics.Gauge("status_worker.total_basic_users", float64(systemStatus.Usage.TotalBasicUsers), nil, 1)
	metrics.Gauge("status_worker.total_premium_users", float64(systemStatus.Usage.TotalPremiumUsers), nil, 1)
	metrics.Gauge("status_worker.active_sessions", float64(systemStatus.Usage.ActiveSessions), nil, 1)
	metrics.Gauge("status_worker.open_payments", float64(systemStatus.Usage.OpenPayments), nil, 1)
	if !systemStatus.MongoDB.Available {
		WORKER.Alert("MongoDB is down")
	}
	if !systemStatus.Redis.Available {
		WORKER.Alert("Redis is down")
	}
	if !systemStatus.AI.Available {
		WORKER.Alert("AI is down")
	}
	statusBytes, _ := json.Marshal(systemStatus)
	return string(statusBytes), nil
}

func boolToFloat64(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
