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

// Package outbox assembles the transactional-outbox dispatcher: producers
// persist records inside their own database transaction via Schedule, and a
// cluster of dispatcher instances delivers them to registered handlers at
// least once, in per-key order, coordinating ownership of 256 key partitions
// through the shared database alone.
//
// A minimal single-instance setup:
//
//	cfg := config.Default()
//	store, err := storage.Open(ctx, storage.Config{Driver: cfg.Database.Driver, DSN: dsn, InitializeOnStart: true}, logger)
//	...
//	d, err := outbox.New(cfg, store, logger)
//	d.RegisterPayloadType(InvoiceCreated{})
//	d.RegisterHandler(record.TypeNameOf(InvoiceCreated{}), onInvoice)
//	go d.Run(ctx)
//
// and on the producer side, inside a business transaction:
//
//	tx, _ := db.BeginTx(ctx, nil)
//	d.Schedule(ctx, tx, InvoiceCreated{ID: "inv-1"}, outbox.WithKey("customer-42"))
//	tx.Commit()
package outbox
