// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/privacy-sandbox-dap-aggregator/service/taskconfig"
	"github.com/google/privacy-sandbox-dap-aggregator/service/taskprov"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/reporttypes"
	"github.com/google/privacy-sandbox-dap-aggregator/shared/storage"
)

// ErrTaskNotFound is returned for tasks that are neither registered nor provisioned.
var ErrTaskNotFound = errors.New("task not found")

// ErrTaskExists is returned when registering a task under the ID of a different task.
var ErrTaskExists = errors.New("task already registered with a different configuration")

// RegisterTask stores a task. Tasks are immutable: registering the same configuration again is a
// no-op, and registering a different one under a known ID fails.
func (a *Aggregator) RegisterTask(ctx context.Context, task *taskconfig.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	err = a.update(ctx, func(txn storage.Txn) error {
		stored, err := txn.Get(taskConfigKey(task.ID))
		if errors.Is(err, storage.ErrNotFound) {
			txn.Set(taskConfigKey(task.ID), b)
			return nil
		}
		if err != nil {
			return err
		}
		if !bytes.Equal(stored, b) {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.tasks.Add(task.ID, task)
	return nil
}

// Task returns a stored task, or ErrTaskNotFound.
func (a *Aggregator) Task(ctx context.Context, id reporttypes.TaskID) (*taskconfig.Task, error) {
	if t, ok := a.tasks.Get(id); ok {
		return t, nil
	}
	b, err := a.store.Get(ctx, taskConfigKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	t := &taskconfig.Task{}
	if err := json.Unmarshal(b, t); err != nil {
		return nil, fmt.Errorf("decode task %s: %w", id, err)
	}
	a.tasks.Add(id, t)
	return t, nil
}

// Tasks returns all the stored tasks, including the provisioned ones.
func (a *Aggregator) Tasks(ctx context.Context) ([]*taskconfig.Task, error) {
	var tasks []*taskconfig.Task
	err := a.store.Scan(ctx, taskConfigPrefix, 0, func(key string, value []byte) error {
		t := &taskconfig.Task{}
		if err := json.Unmarshal(value, t); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		tasks = append(tasks, t)
		return nil
	})
	return tasks, err
}

// resolveTask finds a stored task, or derives it from a taskprov payload when the task is unknown
// and provisioning is enabled. A derived task is not stored here; the first report accepted for it
// stores it.
func (a *Aggregator) resolveTask(ctx context.Context, v reporttypes.Version, id reporttypes.TaskID, payloads [][]byte, role reporttypes.Role) (*taskconfig.Task, error) {
	task, err := a.Task(ctx, id)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return nil, err
	}
	if a.taskprov == nil || len(payloads) != 1 {
		return nil, abort(AbortUnrecognizedTask, &id, "unknown task")
	}
	task, err = taskprov.Resolve(id, payloads[0], &taskprov.Params{
		Version:             v,
		Role:                role,
		CollectorHpkeConfig: a.taskprov.CollectorHpkeConfig,
		LeaderAuthToken:     a.taskprov.LeaderAuthToken,
		CollectorAuthToken:  a.taskprov.CollectorAuthToken,
	})
	switch {
	case errors.Is(err, taskprov.ErrInvalidTask):
		return nil, abort(AbortInvalidTask, &id, "%v", err)
	case errors.Is(err, taskprov.ErrTaskIDMismatch):
		return nil, abort(AbortUnrecognizedTask, &id, "%v", err)
	case err != nil:
		return nil, err
	}
	return task, nil
}

// storeProvisionedTask writes a provisioned task inside txn unless it is already stored.
func storeProvisionedTask(txn storage.Txn, task *taskconfig.Task) error {
	if !task.Taskprov {
		return nil
	}
	_, err := txn.Get(taskConfigKey(task.ID))
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	b, err := json.Marshal(task)
	if err != nil {
		return err
	}
	txn.Set(taskConfigKey(task.ID), b)
	return nil
}

// leaderTask returns a stored task served by this aggregator as the Leader for version v.
func (a *Aggregator) leaderTask(ctx context.Context, v reporttypes.Version, id reporttypes.TaskID) (*taskconfig.Task, error) {
	task, err := a.Task(ctx, id)
	if errors.Is(err, ErrTaskNotFound) {
		return nil, abort(AbortUnrecognizedTask, &id, "unknown task")
	}
	if err != nil {
		return nil, err
	}
	if task.Role != reporttypes.RoleLeader || task.Version != v {
		return nil, abort(AbortUnrecognizedTask, &id, "task is not served as %s leader", v)
	}
	return task, nil
}
