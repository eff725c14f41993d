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

package record

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of an outbox record.
type Status string

const (
	StatusNew       Status = "NEW"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// MaxErrorLength bounds the last_error column. Longer messages are truncated.
const MaxErrorLength = 512

// Record is one persisted unit of work to be delivered to handlers.
// The dispatcher is the sole writer of Status, CompletedAt, FailureCount,
// NextAttemptAt and LastError; producers only ever insert.
type Record struct {
	ID            string
	Key           string
	Partition     int32
	PayloadType   string
	Payload       string
	Context       map[string]string
	Status        Status
	CreatedAt     time.Time
	CompletedAt   *time.Time
	FailureCount  int
	NextAttemptAt *time.Time
	LastError     string
}

// Due reports whether the record is visible to the poller at the given instant.
func (r *Record) Due(now time.Time) bool {
	if r.Status != StatusNew {
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

// Terminal reports whether the record can never be dispatched again.
func (r *Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

// TruncateError renders an error as "<type>: <message>" bounded to
// MaxErrorLength, the form stored in last_error.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	msg := fmt.Sprintf("%T: %v", err, err)
	if len(msg) > MaxErrorLength {
		msg = msg[:MaxErrorLength]
	}
	return msg
}
