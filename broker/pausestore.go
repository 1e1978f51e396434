package broker

import (
	"context"
	"fmt"

	"github.com/alwitt/mqcoord/common"
	"github.com/alwitt/mqcoord/storage"
	"github.com/apex/log"
)

// PauseStateStore durable directory of queue pause records, keyed by
// (brokerID, queueName). Any process can read whether a queue is paused
// without owning the live blocking consumer.
type PauseStateStore interface {
	// Save record the pause state of a queue
	Save(record PauseRecord, ctxt context.Context) error
	// Get fetch the pause state of a queue
	Get(brokerID, queueName string, ctxt context.Context) (PauseRecord, error)
	// ListForBroker fetch every persisted pause record of a broker
	ListForBroker(brokerID string, ctxt context.Context) ([]PauseRecord, error)
	// Remove delete the pause state of a queue
	Remove(brokerID, queueName string, ctxt context.Context) error
}

// pauseStateStoreImpl implements PauseStateStore
type pauseStateStoreImpl struct {
	common.Component
	store     storage.KeyValueStore
	keyPrefix string
}

// DefinePauseStateStore create a pause state store over a shared KV store
func DefinePauseStateStore(
	dataStore storage.KeyValueStore, keyPrefix string,
) (PauseStateStore, error) {
	logTags := log.Fields{"module": "broker", "component": "pause-store"}
	return &pauseStateStoreImpl{
		Component: common.Component{LogTags: logTags},
		store:     dataStore,
		keyPrefix: keyPrefix,
	}, nil
}

func (p *pauseStateStoreImpl) recordKey(brokerID, queueName string) string {
	return fmt.Sprintf("%s/pause/%s/%s", p.keyPrefix, brokerID, queueName)
}

// Save record the pause state of a queue
func (p *pauseStateStoreImpl) Save(record PauseRecord, ctxt context.Context) error {
	key := p.recordKey(record.BrokerID, record.QueueName)
	if err := p.store.Set(key, record, 0, ctxt); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to store pause record %s", key)
		return err
	}
	return nil
}

// Get fetch the pause state of a queue
func (p *pauseStateStoreImpl) Get(
	brokerID, queueName string, ctxt context.Context,
) (PauseRecord, error) {
	var record PauseRecord
	key := p.recordKey(brokerID, queueName)
	if err := p.store.Get(key, &record, ctxt); err != nil {
		if err == storage.ErrKeyNotFound {
			return PauseRecord{}, common.NotFoundError{Resource: "pause record", Name: queueName}
		}
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to fetch pause record %s", key)
		return PauseRecord{}, err
	}
	return record, nil
}

// ListForBroker fetch every persisted pause record of a broker. A malformed
// record is logged and skipped.
func (p *pauseStateStoreImpl) ListForBroker(
	brokerID string, ctxt context.Context,
) ([]PauseRecord, error) {
	prefix := fmt.Sprintf("%s/pause/%s/", p.keyPrefix, brokerID)
	keys, err := p.store.ListKeys(prefix, ctxt)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf(
			"Failed to list pause records for broker %s", brokerID,
		)
		return nil, err
	}
	records := []PauseRecord{}
	for _, key := range keys {
		var record PauseRecord
		if err := p.store.Get(key, &record, ctxt); err != nil {
			log.WithError(err).WithFields(p.LogTags).Errorf(
				"Failed to fetch pause record %s", key,
			)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// Remove delete the pause state of a queue
func (p *pauseStateStoreImpl) Remove(brokerID, queueName string, ctxt context.Context) error {
	return p.store.Delete(p.recordKey(brokerID, queueName), ctxt)
}
