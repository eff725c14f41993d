/*
Copyright 2024 The Namastack Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/namastack/outbox/pkg/partition"
	"github.com/namastack/outbox/pkg/record"
	"github.com/namastack/outbox/pkg/storage"
)

// ScheduleOption adjusts one Schedule call.
type ScheduleOption func(*scheduleOptions)

type scheduleOptions struct {
	id      string
	key     string
	context map[string]string
}

// WithKey pins the FIFO group of the record. Without it a fresh unique key
// is generated, which places the record alone in its own group.
func WithKey(key string) ScheduleOption {
	return func(o *scheduleOptions) { o.key = key }
}

// WithRecordID pins the record id, making producer-side retries idempotent.
func WithRecordID(id string) ScheduleOption {
	return func(o *scheduleOptions) { o.id = id }
}

// WithContextValue attaches one context entry (trace id, tenant, ...) that
// travels with the record into handler metadata.
func WithContextValue(k, v string) ScheduleOption {
	return func(o *scheduleOptions) {
		if o.context == nil {
			o.context = map[string]string{}
		}
		o.context[k] = v
	}
}

// WithContext attaches a whole context map.
func WithContext(m map[string]string) ScheduleOption {
	return func(o *scheduleOptions) {
		if o.context == nil {
			o.context = map[string]string{}
		}
		for k, v := range m {
			o.context[k] = v
		}
	}
}

// Schedule persists a record inside the caller's transaction so the outbox
// write commits or rolls back with the business data. Errors propagate to the
// producer; they indicate a local transaction problem.
//
// The store must be the SQL store for transactional scheduling. Pass a nil tx
// to schedule outside a transaction (tests, in-memory store).
func (d *Dispatcher) Schedule(ctx context.Context, tx *sql.Tx, payload any, opts ...ScheduleOption) (*record.Record, error) {
	var o scheduleOptions
	for _, opt := range opts {
		opt(&o)
	}

	payloadType, data, err := d.codec.Encode(payload)
	if err != nil {
		return nil, err
	}

	key := o.key
	if key == "" {
		key = uuid.NewString()
	}
	id := o.id
	if id == "" {
		id = uuid.NewString()
	}

	now := d.clock()
	r := &record.Record{
		ID:            id,
		Key:           key,
		Partition:     partition.Of(key),
		PayloadType:   payloadType,
		Payload:       data,
		Context:       record.CloneContext(o.context),
		Status:        record.StatusNew,
		CreatedAt:     now,
		NextAttemptAt: &now,
	}

	if tx != nil {
		sqlStore, ok := d.store.(*storage.SQLStore)
		if !ok {
			return nil, fmt.Errorf("transactional scheduling requires the SQL store, got %T", d.store)
		}
		if err := sqlStore.InsertTx(ctx, tx, r); err != nil {
			return nil, err
		}
	} else if err := d.store.Insert(ctx, r); err != nil {
		return nil, err
	}

	d.metrics.RecordScheduled()
	if d.cfg.PublishAfterSave {
		// same-instance fast path: poke the poller instead of waiting a tick
		d.poller.Wake()
	}
	return r, nil
}
