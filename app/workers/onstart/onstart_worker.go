// Run on start
package onstart

import (
	"context"
	"time"

	"legalbot/m/v2/app/db/mongo"
	"legalbot/m/v2/app/flows"

	log "github.com/sirupsen/logrus"
)

func Run(registry *flows.Registry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info("[onstart] ensuring indexes..")
	if err := mongo.MongoDBClient.EnsureIndexes(ctx); err != nil {
		log.Errorf("[onstart] failed to ensure indexes: %s", err)
		return err
	}
	log.Info("[onstart] finished ensuring indexes")

	for _, flow := range registry.Flows() {
		log.Infof("[onstart] flow %s (%s): %d steps, action %s", flow.ID, flow.Title, len(flow.Steps), flow.Action)
	}
	return nil
}
