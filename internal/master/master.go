// Package master implements the MapReduce coordinator: follower registry,
// task dispatch for the map and reduce phases, shuffle grouping, results
// commit, and periodic backup to the DHT for crash recovery.
//
// Grounded on map_reduce/server/nodes/master.py's Master class: its
// TaskGroup bucket model (internal/master/taskgroup.go), its four-lock
// ordering (followers, map tasks, reduce tasks, results) for the backup
// snapshot, its subscribe/report_task RPC pair, and its bootstrap-then-
// dispatch-then-commit main loop. The commented-out alternative loop in
// that file is not reproduced — this package always blocks on task
// completion the way the file's active (non-commented) loop does.
package master

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"chordreduce/internal/kernel"
	"chordreduce/internal/rpcutil"

	"gopkg.in/yaml.v3"
)

const (
	StagedData       = "master/staged/data"
	StagedMapCode    = "master/staged/map-code"
	StagedReduceCode = "master/staged/reduce-code"
	StagedClient     = "master/staged/client"
	BackupKey        = "master/backup"
	FinalResultsKey  = "map-reduce/final-results"
)

// State is one of the Master's lifecycle stages.
type State string

const (
	Bootstrapping State = "bootstrapping"
	AwaitingJob   State = "awaiting-job"
	Mapping       State = "mapping"
	Reducing      State = "reducing"
	Committing    State = "committing"
	Idle          State = "idle"
	Stopped       State = "stopped"
)

// MapTask is one unit of map-phase input: a chunk of at most
// Config.ItemsPerChunk records, each identified by its position in the
// submitted dataset, matching master.py's "split input into map tasks
// keyed by chunk id, each chunk containing at most C_chunk records".
type MapTask struct {
	Records []kernel.KeyValue
}

// ReduceTask is one unit of reduce-phase input: all intermediate values
// shuffled under a single key.
type ReduceTask struct {
	Values []string
}

// DHT is the minimal backing-store surface the Master needs.
type DHT interface {
	Insert(ctx context.Context, key string, data []byte) error
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
}

// Transport is the Master's remote call surface toward Followers and the
// submitting client.
type Transport interface {
	Dispatch(ctx context.Context, follower string, taskID string, phase State, kernelName string, input MapTask, reduceInput ReduceTask) error
	Ping(ctx context.Context, follower string) error
	NotifyClient(ctx context.Context, clientAddr string, results []kernel.KeyValue) error
}

// Config holds the Master's tunables.
type Config struct {
	DispatchEvery  time.Duration // T_req, default 500ms — also the assign-loop tick
	BackupEvery    time.Duration // T_backup, default 2s
	TaskMaxAge     time.Duration // T_task_max, default 300s
	TaskRetryCap   int           // default 3
	ItemsPerChunk  int           // C_chunk, default 16
	RequestPolicy  rpcutil.Policy
}

func DefaultConfig() Config {
	return Config{
		DispatchEvery: 500 * time.Millisecond,
		BackupEvery:   2 * time.Second,
		TaskMaxAge:    300 * time.Second,
		TaskRetryCap:  3,
		ItemsPerChunk: 16,
		RequestPolicy: rpcutil.DefaultPolicy(),
	}
}

type assignment struct {
	follower  string
	assignedAt time.Time
	retries   int
}

// Master is the MapReduce coordinator role; a node runs one only while it
// holds the naming service's "master" binding (see internal/naming's
// delegation API — Start/Stop below are built to be used as a Delegate).
type Master struct {
	self string
	cfg  Config
	dht  DHT
	tr   Transport
	log  *log.Logger

	followersLock sync.Mutex
	followers     map[string]bool // true if currently assigned a task
	idleFollowers map[string]bool

	mapTasksLock sync.Mutex
	mapTasks     *TaskGroup[int, MapTask]
	mapAssign    map[int]*assignment

	reduceTasksLock sync.Mutex
	reduceTasks     *TaskGroup[string, ReduceTask]
	reduceAssign    map[string]*assignment

	resultsLock sync.Mutex
	results     []kernel.KeyValue

	stateMu    sync.RWMutex
	state      State
	kernelName string
	clientAddr string

	alive chan struct{}
	wg    sync.WaitGroup
}

func New(self string, cfg Config, dht DHT, tr Transport, logger *log.Logger) *Master {
	if logger == nil {
		logger = log.Default()
	}
	return &Master{
		self:          self,
		cfg:           cfg,
		dht:           dht,
		tr:            tr,
		log:           logger,
		followers:     make(map[string]bool),
		idleFollowers: make(map[string]bool),
		mapTasks:      NewTaskGroup[int, MapTask](),
		mapAssign:     make(map[int]*assignment),
		reduceTasks:   NewTaskGroup[string, ReduceTask](),
		reduceAssign:  make(map[string]*assignment),
		state:         Bootstrapping,
		alive:         make(chan struct{}),
	}
}

func (m *Master) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

func (m *Master) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// Subscribe registers follower_address as an idle follower — the
// subscribe() RPC from master.py.
func (m *Master) Subscribe(follower string) {
	m.followersLock.Lock()
	defer m.followersLock.Unlock()
	m.idleFollowers[follower] = true
	m.log.Printf("master: %s subscribed", follower)
}

// ReportTask is the report_task() RPC: a follower reports completion (or
// failure) of a dispatched task.
func (m *Master) ReportTask(ctx context.Context, follower string, taskID string, phase State, mapResult []kernel.KeyValue, reduceResult string, failed bool) error {
	m.followersLock.Lock()
	if m.followers[follower] {
		delete(m.followers, follower)
		m.idleFollowers[follower] = true
	} else {
		m.log.Printf("master: follower %s reported a task but was not tracked as busy", follower)
	}
	m.followersLock.Unlock()

	switch phase {
	case Mapping:
		return m.reportMapTask(taskID, follower, mapResult, failed)
	case Reducing:
		return m.reportReduceTask(taskID, follower, reduceResult, failed)
	default:
		return fmt.Errorf("master: report for unknown phase %q", phase)
	}
}

func (m *Master) reportMapTask(taskID, follower string, result []kernel.KeyValue, failed bool) error {
	id := parseTaskID(taskID)

	m.mapTasksLock.Lock()
	asn, tracked := m.mapAssign[id]
	if failed {
		defer m.mapTasksLock.Unlock()
		return m.retryOrFailMap(id, asn, tracked)
	}
	delete(m.mapAssign, id)
	m.mapTasksLock.Unlock()

	if !m.mapTasks.SetComplete(id) {
		return fmt.Errorf("master: %w: unrecognised map task %d from %s", rpcutil.ErrTaskFailed, id, follower)
	}

	// Shuffle: group every emitted (key, value) pair into the reduce
	// phase's pending bucket, matching
	// self._reduce_tasks.pending.setdefault(out_key, []).append(inter_val).
	for _, kv := range result {
		m.reduceTasksLock.Lock()
		m.reduceTasks.Mutate(kv.Key, func(cur ReduceTask) ReduceTask {
			cur.Values = append(cur.Values, kv.Value)
			return cur
		})
		m.reduceTasksLock.Unlock()
	}
	return nil
}

func (m *Master) retryOrFailMap(id int, asn *assignment, tracked bool) error {
	if tracked {
		asn.retries++
		if asn.retries > m.cfg.TaskRetryCap {
			delete(m.mapAssign, id)
			m.setState(Stopped)
			return fmt.Errorf("master: %w: map task %d exceeded retry cap", rpcutil.ErrJobFailed, id)
		}
	}
	delete(m.mapAssign, id)
	m.mapTasks.mu.Lock()
	if v, ok := m.mapTasks.assigned[id]; ok {
		delete(m.mapTasks.assigned, id)
		m.mapTasks.pending[id] = v
	}
	m.mapTasks.mu.Unlock()
	return fmt.Errorf("%w", rpcutil.ErrTaskFailed)
}

func (m *Master) reportReduceTask(taskID, follower, result string, failed bool) error {
	key := taskID

	m.reduceTasksLock.Lock()
	asn, tracked := m.reduceAssign[key]
	if failed {
		defer m.reduceTasksLock.Unlock()
		return m.retryOrFailReduce(key, asn, tracked)
	}
	delete(m.reduceAssign, key)
	m.reduceTasksLock.Unlock()

	if !m.reduceTasks.SetComplete(key) {
		return fmt.Errorf("master: %w: unrecognised reduce task %q from %s", rpcutil.ErrTaskFailed, key, follower)
	}

	m.resultsLock.Lock()
	m.results = append(m.results, kernel.KeyValue{Key: key, Value: result})
	m.resultsLock.Unlock()
	return nil
}

func (m *Master) retryOrFailReduce(key string, asn *assignment, tracked bool) error {
	if tracked {
		asn.retries++
		if asn.retries > m.cfg.TaskRetryCap {
			delete(m.reduceAssign, key)
			m.setState(Stopped)
			return fmt.Errorf("master: %w: reduce task %q exceeded retry cap", rpcutil.ErrJobFailed, key)
		}
	}
	delete(m.reduceAssign, key)
	m.reduceTasks.mu.Lock()
	if v, ok := m.reduceTasks.assigned[key]; ok {
		delete(m.reduceTasks.assigned, key)
		m.reduceTasks.pending[key] = v
	}
	m.reduceTasks.mu.Unlock()
	return fmt.Errorf("%w", rpcutil.ErrTaskFailed)
}

func parseTaskID(s string) int {
	var id int
	fmt.Sscanf(s, "%d", &id)
	return id
}

// Start begins the Master's lifecycle loop in the background; it is shaped
// to be used directly as a naming.Delegate's Start callback.
func (m *Master) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
	go func() {
		<-m.alive
		cancel()
	}()
}

// Stop halts the Master's lifecycle and backup loops; shaped to be used as
// a naming.Delegate's Stop callback.
func (m *Master) Stop() {
	select {
	case <-m.alive:
	default:
		close(m.alive)
	}
	m.wg.Wait()
	m.setState(Stopped)
}

func (m *Master) stopped() bool {
	select {
	case <-m.alive:
		return true
	default:
		return false
	}
}

// run drives the Bootstrapping -> Awaiting-Job -> Mapping -> Reducing ->
// Committing -> Idle cycle, looping back to Awaiting-Job for the next job
// until Stop is called or a job exhausts its task retry budget (Stopped).
func (m *Master) run(ctx context.Context) {
	m.setState(Bootstrapping)

	for !m.stopped() {
		if !m.runOneJob(ctx) {
			return
		}
		if m.State() == Stopped {
			return
		}
	}
}

// runOneJob carries one job through Awaiting-Job..Idle. It returns false if
// the master was stopped mid-job (caller should not loop again).
func (m *Master) runOneJob(ctx context.Context) bool {
	if !m.awaitJob(ctx) {
		return false
	}
	if m.stopped() {
		return false
	}

	m.recoverOrStart(ctx)
	if m.stopped() {
		return false
	}

	backupCtx, stopBackup := context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.backupLoop(backupCtx)
	}()
	defer stopBackup()

	m.setState(Mapping)
	m.log.Printf("master: started map phase")
	m.dispatchPhase(ctx, Mapping)
	if m.stopped() || m.State() == Stopped {
		return false
	}

	m.setState(Reducing)
	m.log.Printf("master: started reduce phase")
	m.dispatchPhase(ctx, Reducing)
	if m.stopped() || m.State() == Stopped {
		return false
	}

	m.setState(Committing)
	m.commit(ctx)
	m.clearStaged(ctx)
	m.resetForNextJob()
	m.setState(Idle)
	return true
}

// clearStaged blanks the staged job keys so the next awaitJob poll does not
// immediately re-pick-up the job that was just committed.
func (m *Master) clearStaged(ctx context.Context) {
	for _, key := range []string{StagedData, StagedMapCode, StagedReduceCode, StagedClient} {
		if err := m.dht.Insert(ctx, key, []byte{}); err != nil {
			m.log.Printf("master: clearing staged key %s failed: %v", key, err)
		}
	}
}

func (m *Master) resetForNextJob() {
	m.mapTasks.Reset()
	m.reduceTasks.Reset()
	m.mapTasksLock.Lock()
	m.mapAssign = make(map[int]*assignment)
	m.mapTasksLock.Unlock()
	m.reduceTasksLock.Lock()
	m.reduceAssign = make(map[string]*assignment)
	m.reduceTasksLock.Unlock()
	m.resultsLock.Lock()
	m.results = nil
	m.resultsLock.Unlock()
	m.kernelName = ""
	m.clientAddr = ""
}

// awaitJob polls the three staged DHT keys until all are present, matching
// Awaiting-Job's poll of master/staged/{map-code,reduce-code,data}.
func (m *Master) awaitJob(ctx context.Context) bool {
	m.setState(AwaitingJob)
	t := time.NewTicker(m.cfg.DispatchEvery)
	defer t.Stop()
	for {
		if m.stopped() {
			return false
		}
		mapCode, okMap, _ := m.dht.Lookup(ctx, StagedMapCode)
		reduceCode, okReduce, _ := m.dht.Lookup(ctx, StagedReduceCode)
		data, okData, _ := m.dht.Lookup(ctx, StagedData)
		client, okClient, _ := m.dht.Lookup(ctx, StagedClient)
		okMap = okMap && len(mapCode) > 0
		okReduce = okReduce && len(reduceCode) > 0
		okData = okData && len(data) > 0
		okClient = okClient && len(client) > 0
		if okMap && okReduce && okData && okClient {
			m.kernelName = string(mapCode)
			m.clientAddr = string(client)
			var items []string
			if err := yaml.Unmarshal(data, &items); err == nil {
				m.seedMapTasks(items)
			}
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-m.alive:
			return false
		case <-t.C:
		}
	}
}

// seedMapTasks splits the submitted dataset into chunks of at most
// ItemsPerChunk records apiece, one map task per chunk — matching
// master.py's chunked task split rather than one task per input line.
func (m *Master) seedMapTasks(items []string) {
	chunkSize := m.cfg.ItemsPerChunk
	if chunkSize <= 0 {
		chunkSize = 1
	}
	chunkID := 0
	for start := 0; start < len(items); start += chunkSize {
		end := start + chunkSize
		if end > len(items) {
			end = len(items)
		}
		records := make([]kernel.KeyValue, 0, end-start)
		for i := start; i < end; i++ {
			records = append(records, kernel.KeyValue{Key: fmt.Sprintf("%d", i), Value: items[i]})
		}
		m.mapTasks.AddPending(chunkID, MapTask{Records: records})
		chunkID++
	}
}

// recoverOrStart loads master/backup if present (reissuing all assigned
// tasks as pending, per master.py's reset_assigned_to_pending), otherwise
// leaves the freshly-seeded map tasks in place.
func (m *Master) recoverOrStart(ctx context.Context) {
	raw, found, err := m.dht.Lookup(ctx, BackupKey)
	if err != nil || !found {
		m.log.Printf("master: no backup found, starting fresh job")
		return
	}

	var snap backupSnapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		m.log.Printf("master: corrupt backup, starting fresh job: %v", err)
		return
	}

	m.mapTasks.Load(snap.MapPending, snap.MapAssigned, snap.MapCompleted)
	m.mapTasks.ResetAssignedToPending()
	m.reduceTasks.Load(snap.ReducePending, snap.ReduceAssigned, snap.ReduceCompleted)
	m.reduceTasks.ResetAssignedToPending()

	m.followersLock.Lock()
	m.followers = make(map[string]bool)
	m.idleFollowers = make(map[string]bool)
	for _, f := range snap.Followers {
		m.idleFollowers[f] = true
	}
	m.followersLock.Unlock()

	m.resultsLock.Lock()
	m.results = snap.Results
	m.resultsLock.Unlock()

	m.log.Printf("master: loaded backup, %d map + %d reduce tasks reissued", len(snap.MapAssigned), len(snap.ReduceAssigned))
}

type backupSnapshot struct {
	MapPending      map[int]MapTask       `yaml:"map_pending"`
	MapAssigned     map[int]MapTask       `yaml:"map_assigned"`
	MapCompleted    map[int]MapTask       `yaml:"map_completed"`
	ReducePending   map[string]ReduceTask `yaml:"reduce_pending"`
	ReduceAssigned  map[string]ReduceTask `yaml:"reduce_assigned"`
	ReduceCompleted map[string]ReduceTask `yaml:"reduce_completed"`
	Followers       []string              `yaml:"followers"`
	Results         []kernel.KeyValue     `yaml:"results"`
}

// dispatchPhase repeatedly assigns pending tasks to idle followers and
// reaps stale assignments until the phase's TaskGroup is empty.
func (m *Master) dispatchPhase(ctx context.Context, phase State) {
	t := time.NewTicker(m.cfg.DispatchEvery)
	defer t.Stop()
	for {
		if m.stopped() || m.State() == Stopped {
			return
		}
		if phase == Mapping {
			if !m.mapTasks.Any() {
				return
			}
			m.reapStale(ctx, Mapping)
			m.assignOneMap(ctx)
		} else {
			if !m.reduceTasks.Any() {
				return
			}
			m.reapStale(ctx, Reducing)
			m.assignOneReduce(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-m.alive:
			return
		case <-t.C:
		}
	}
}

func (m *Master) assignOneMap(ctx context.Context) bool {
	follower, ok := m.popIdleFollower()
	if !ok {
		return false
	}
	if alive := rpcutil.Reachable(ctx, m.cfg.RequestPolicy, func(cctx context.Context) error {
		return m.tr.Ping(cctx, follower)
	}); !alive {
		m.dropFollower(follower)
		return false
	}

	id, task, ok := m.mapTasks.PopPending()
	if !ok {
		m.returnIdleFollower(follower)
		return false
	}

	m.mapTasksLock.Lock()
	m.mapAssign[id] = &assignment{follower: follower, assignedAt: time.Now()}
	m.mapTasksLock.Unlock()

	m.followersLock.Lock()
	m.followers[follower] = true
	m.followersLock.Unlock()

	taskID := fmt.Sprintf("%d", id)
	err := rpcutil.Call(ctx, follower, m.cfg.RequestPolicy, func(cctx context.Context) error {
		return m.tr.Dispatch(cctx, follower, taskID, Mapping, m.kernelName, task, ReduceTask{})
	})
	if err != nil {
		m.log.Printf("master: dispatch map task %d to %s failed: %v", id, follower, err)
		m.mapTasksLock.Lock()
		delete(m.mapAssign, id)
		m.mapTasks.mu.Lock()
		delete(m.mapTasks.assigned, id)
		m.mapTasks.pending[id] = task
		m.mapTasks.mu.Unlock()
		m.mapTasksLock.Unlock()
		m.dropFollower(follower)
		return false
	}
	m.log.Printf("master: dispatched map task %d to %s", id, follower)
	return true
}

func (m *Master) assignOneReduce(ctx context.Context) bool {
	follower, ok := m.popIdleFollower()
	if !ok {
		return false
	}
	if alive := rpcutil.Reachable(ctx, m.cfg.RequestPolicy, func(cctx context.Context) error {
		return m.tr.Ping(cctx, follower)
	}); !alive {
		m.dropFollower(follower)
		return false
	}

	key, task, ok := m.reduceTasks.PopPending()
	if !ok {
		m.returnIdleFollower(follower)
		return false
	}

	m.reduceTasksLock.Lock()
	m.reduceAssign[key] = &assignment{follower: follower, assignedAt: time.Now()}
	m.reduceTasksLock.Unlock()

	m.followersLock.Lock()
	m.followers[follower] = true
	m.followersLock.Unlock()

	err := rpcutil.Call(ctx, follower, m.cfg.RequestPolicy, func(cctx context.Context) error {
		return m.tr.Dispatch(cctx, follower, key, Reducing, m.kernelName, MapTask{}, task)
	})
	if err != nil {
		m.log.Printf("master: dispatch reduce task %q to %s failed: %v", key, follower, err)
		m.reduceTasksLock.Lock()
		delete(m.reduceAssign, key)
		m.reduceTasks.mu.Lock()
		delete(m.reduceTasks.assigned, key)
		m.reduceTasks.pending[key] = task
		m.reduceTasks.mu.Unlock()
		m.reduceTasksLock.Unlock()
		m.dropFollower(follower)
		return false
	}
	m.log.Printf("master: dispatched reduce task %q to %s", key, follower)
	return true
}

func (m *Master) popIdleFollower() (string, bool) {
	m.followersLock.Lock()
	defer m.followersLock.Unlock()
	for f := range m.idleFollowers {
		delete(m.idleFollowers, f)
		return f, true
	}
	return "", false
}

func (m *Master) returnIdleFollower(f string) {
	m.followersLock.Lock()
	m.idleFollowers[f] = true
	m.followersLock.Unlock()
}

func (m *Master) dropFollower(f string) {
	m.followersLock.Lock()
	delete(m.followers, f)
	delete(m.idleFollowers, f)
	m.followersLock.Unlock()
}

// reapStale returns assignments older than TaskMaxAge to pending and evicts
// their follower, per "assigned tasks that have not reported within
// T_task_max are presumed lost".
func (m *Master) reapStale(ctx context.Context, phase State) {
	now := time.Now()
	if phase == Mapping {
		var toDrop []string
		m.mapTasksLock.Lock()
		for id, asn := range m.mapAssign {
			if now.Sub(asn.assignedAt) > m.cfg.TaskMaxAge {
				delete(m.mapAssign, id)
				m.mapTasks.mu.Lock()
				if v, ok := m.mapTasks.assigned[id]; ok {
					delete(m.mapTasks.assigned, id)
					m.mapTasks.pending[id] = v
				}
				m.mapTasks.mu.Unlock()
				toDrop = append(toDrop, asn.follower)
				m.log.Printf("master: map task %d timed out on %s, requeued", id, asn.follower)
			}
		}
		m.mapTasksLock.Unlock()
		for _, f := range toDrop {
			m.dropFollower(f)
		}
		return
	}
	var toDrop []string
	m.reduceTasksLock.Lock()
	for key, asn := range m.reduceAssign {
		if now.Sub(asn.assignedAt) > m.cfg.TaskMaxAge {
			delete(m.reduceAssign, key)
			m.reduceTasks.mu.Lock()
			if v, ok := m.reduceTasks.assigned[key]; ok {
				delete(m.reduceTasks.assigned, key)
				m.reduceTasks.pending[key] = v
			}
			m.reduceTasks.mu.Unlock()
			toDrop = append(toDrop, asn.follower)
			m.log.Printf("master: reduce task %q timed out on %s, requeued", key, asn.follower)
		}
	}
	m.reduceTasksLock.Unlock()
	for _, f := range toDrop {
		m.dropFollower(f)
	}
}

// backupLoop periodically snapshots all four shards under their joint
// locks — the fixed order followers -> map -> reduce -> results avoids
// deadlock with any other path that might acquire more than one of them.
func (m *Master) backupLoop(ctx context.Context) {
	t := time.NewTicker(m.cfg.BackupEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.alive:
			return
		case <-t.C:
			m.backupOnce(ctx)
		}
	}
}

func (m *Master) backupOnce(ctx context.Context) {
	m.followersLock.Lock()
	defer m.followersLock.Unlock()
	m.mapTasksLock.Lock()
	defer m.mapTasksLock.Unlock()
	m.reduceTasksLock.Lock()
	defer m.reduceTasksLock.Unlock()
	m.resultsLock.Lock()
	defer m.resultsLock.Unlock()

	mp, ma, mc := m.mapTasks.Dump()
	rp, ra, rc := m.reduceTasks.Dump()

	followers := make([]string, 0, len(m.followers)+len(m.idleFollowers))
	for f := range m.followers {
		followers = append(followers, f)
	}
	for f := range m.idleFollowers {
		followers = append(followers, f)
	}

	snap := backupSnapshot{
		MapPending: mp, MapAssigned: ma, MapCompleted: mc,
		ReducePending: rp, ReduceAssigned: ra, ReduceCompleted: rc,
		Followers: followers,
		Results:   append([]kernel.KeyValue(nil), m.results...),
	}
	raw, err := yaml.Marshal(snap)
	if err != nil {
		m.log.Printf("master: backup marshal failed: %v", err)
		return
	}
	if err := m.dht.Insert(ctx, BackupKey, raw); err != nil {
		m.log.Printf("master: backup write failed: %v", err)
	}
}

// commit posts final results to the DHT and notifies the submitting client,
// mirroring master.py's "Committing final results to DHT" step.
func (m *Master) commit(ctx context.Context) {
	m.resultsLock.Lock()
	results := append([]kernel.KeyValue(nil), m.results...)
	m.resultsLock.Unlock()

	raw, err := yaml.Marshal(results)
	if err == nil {
		if err := m.dht.Insert(ctx, FinalResultsKey, raw); err != nil {
			m.log.Printf("master: committing final results failed: %v", err)
		}
	}

	if m.clientAddr != "" {
		if err := m.tr.NotifyClient(ctx, m.clientAddr, results); err != nil {
			m.log.Printf("master: notifying client %s failed: %v", m.clientAddr, err)
		}
	}
	m.log.Printf("master: job committed, %d results", len(results))
}
