// Package shm provides the cross-process shared-memory primitives that
// cmd/ironfwd uses to publish queue depths to other processes: a
// System-V shared-memory segment guarded by an flock(2)-based lock that the
// kernel releases automatically if the holding process crashes.
//
// The guarding lock uses unix.Flock rather than System-V semget/semop:
// flock already gives the crash-safe auto-release the segment needs and
// leaves no extra IPC namespace to clean up.
package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Segment is a System-V shared-memory region; cmd/ironfwd publishes a
// QueueDepths dense array into it for other processes to read.
type Segment struct {
	id   int
	data []byte
}

// Create allocates a new System-V shared-memory segment identified by key,
// sized to at least size bytes, and attaches it into this process's address
// space.
func Create(key int, size int) (*Segment, error) {
	id, err := unix.SysvShmGet(key, size, unix.IPC_CREAT|unix.IPC_EXCL|0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: shmget key=%d size=%d: %w", key, size, err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: shmat id=%d: %w", id, err)
	}
	return &Segment{id: id, data: data}, nil
}

// Attach maps an existing shared-memory segment without creating it,
// standing in for a second process attaching to the Forwarder's arena.
func Attach(key int, size int) (*Segment, error) {
	id, err := unix.SysvShmGet(key, size, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: shmget(attach) key=%d: %w", key, err)
	}
	data, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("shm: shmat(attach) id=%d: %w", id, err)
	}
	return &Segment{id: id, data: data}, nil
}

// Bytes returns the segment's backing byte slice for direct reads/writes.
// Callers bracket every read and write with the segment's Lock.
func (s *Segment) Bytes() []byte { return s.data }

// ID returns the System-V segment identifier, for passing to a second
// process out of band (e.g. via the QLAM handshake or a config file).
func (s *Segment) ID() int { return s.id }

// Close detaches the segment from this process; the segment itself
// persists (and remains attachable by ID) until Unlink removes it.
func (s *Segment) Close() error {
	if s.data == nil {
		return nil
	}
	err := unix.SysvShmDetach(s.data)
	s.data = nil
	return err
}

// Unlink marks the segment identified by id for removal once every
// attached process has detached, called by whichever process created the
// arena during shutdown.
func Unlink(id int) error {
	_, err := unix.SysvShmCtl(id, unix.IPC_RMID, nil)
	return err
}

// Lock is an flock(2)-backed mutual-exclusion primitive guarding a Segment.
// The kernel drops the lock automatically if the holding process dies
// without calling Unlock, since the lock lives on the process's open file
// descriptor table.
type Lock struct {
	file *os.File
}

// NewLock opens (creating if necessary) the lock file at path, used as the
// flock(2) target guarding the Segment identified by the same key.
func NewLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open lock file %s: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Lock acquires the exclusive lock, blocking until it is available.
func (l *Lock) Lock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_EX)
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
}

// Close releases the lock file descriptor.
func (l *Lock) Close() error {
	return l.file.Close()
}
