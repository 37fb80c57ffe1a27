package services

import (
	"context"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/sirupsen/logrus"

	"github.com/temcen/turirec/pkg/models"
)

// GraphWriter runs one write statement. Neo4jGraphWriter is the production
// implementation.
type GraphWriter interface {
	Write(ctx context.Context, cypher string, params map[string]interface{}) error
}

type Neo4jGraphWriter struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jGraphWriter(driver neo4j.DriverWithContext) *Neo4jGraphWriter {
	return &Neo4jGraphWriter{driver: driver}
}

func (w *Neo4jGraphWriter) Write(ctx context.Context, cypher string, params map[string]interface{}) error {
	session := w.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (interface{}, error) {
		result, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	return err
}

var relationshipTypes = map[models.InteractionKind]string{
	models.InteractionLike:  "LIKED",
	models.InteractionSave:  "SAVED",
	models.InteractionVisit: "VISITED",
}

// InteractionGraph mirrors the ledger into Neo4j as
// (:User)-[:LIKED|SAVED|VISITED]->(:Item) relationships. Updates are queued
// and written in batches.
type InteractionGraph struct {
	writer        GraphWriter
	queue         chan *models.InteractionEvent
	batchSize     int
	flushInterval time.Duration
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	logger        *logrus.Logger
}

func NewInteractionGraph(writer GraphWriter, batchSize int, flushInterval time.Duration, logger *logrus.Logger) *InteractionGraph {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	g := &InteractionGraph{
		writer:        writer,
		queue:         make(chan *models.InteractionEvent, batchSize*10),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopChan:      make(chan struct{}),
		logger:        logger,
	}
	g.wg.Add(1)
	go g.batchWorker()
	return g
}

// Enqueue never blocks; events are dropped with a warning when the queue is
// full.
func (g *InteractionGraph) Enqueue(event *models.InteractionEvent) {
	if _, ok := relationshipTypes[event.Kind]; !ok {
		return
	}
	select {
	case g.queue <- event:
	default:
		g.logger.WithField("user_id", event.UserID).Warn("Graph update queue full")
	}
}

// Stop flushes what is queued and waits for the worker.
func (g *InteractionGraph) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopChan)
	})
	g.wg.Wait()
}

func (g *InteractionGraph) batchWorker() {
	defer g.wg.Done()

	var batch []*models.InteractionEvent
	ticker := time.NewTicker(g.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-g.queue:
			batch = append(batch, event)
			if len(batch) >= g.batchSize {
				g.flush(batch)
				batch = nil
			}

		case <-ticker.C:
			if len(batch) > 0 {
				g.flush(batch)
				batch = nil
			}

		case <-g.stopChan:
			for drained := false; !drained; {
				select {
				case event := <-g.queue:
					batch = append(batch, event)
				default:
					drained = true
				}
			}
			if len(batch) > 0 {
				g.flush(batch)
			}
			return
		}
	}
}

type graphGroup struct {
	relType string
	removed bool
}

// flush splits the batch into runs of additions and removals. Runs are
// written in arrival order; inside a run each relationship type gets one
// statement.
func (g *InteractionGraph) flush(batch []*models.InteractionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for start := 0; start < len(batch); {
		end := start + 1
		for end < len(batch) && batch[end].Removed == batch[start].Removed {
			end++
		}
		g.writeRun(ctx, batch[start:end])
		start = end
	}
}

func (g *InteractionGraph) writeRun(ctx context.Context, run []*models.InteractionEvent) {
	groups := make(map[graphGroup][]map[string]interface{})
	var order []graphGroup
	for _, e := range run {
		key := graphGroup{relType: relationshipTypes[e.Kind], removed: e.Removed}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], map[string]interface{}{
			"user_id":   e.UserID,
			"item_id":   e.ItemID,
			"item_kind": string(e.ItemKind),
			"timestamp": e.Timestamp.Unix(),
		})
	}

	for _, key := range order {
		rows := groups[key]
		if err := g.writer.Write(ctx, graphCypher(key), map[string]interface{}{"rows": rows}); err != nil {
			g.logger.WithError(err).WithFields(logrus.Fields{
				"relationship": key.relType,
				"removed":      key.removed,
				"batch_size":   len(rows),
			}).Error("Failed to write graph batch")
			continue
		}
		g.logger.WithFields(logrus.Fields{
			"relationship": key.relType,
			"batch_size":   len(rows),
		}).Debug("Graph batch written")
	}
}

func graphCypher(key graphGroup) string {
	if key.removed {
		return `
		UNWIND $rows AS row
		MATCH (u:User {id: row.user_id})-[r:` + key.relType + `]->(i:Item {id: row.item_id})
		DELETE r`
	}
	return `
		UNWIND $rows AS row
		MERGE (u:User {id: row.user_id})
		MERGE (i:Item {id: row.item_id})
		ON CREATE SET i.kind = row.item_kind
		MERGE (u)-[r:` + key.relType + `]->(i)
		SET r.timestamp = row.timestamp, r.updated_at = datetime()`
}
