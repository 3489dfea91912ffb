/*
Package tailer follows the log files in one directory and turns every
complete line into a record on the queue.

# Architecture

	┌──────────────────────── TAILER ─────────────────────────┐
	│                                                          │
	│  Start()                                                 │
	│    └─ scan directory for *<suffix> files                 │
	│         open O_RDONLY|O_NONBLOCK, seek to end,           │
	│         register with fsnotify                           │
	│                                                          │
	│  run() loop                                              │
	│    ├─ Write event      → read that file (1 MiB at most)  │
	│    ├─ Create event     → add new file from offset 0      │
	│    ├─ Remove / Rename  → drain, close descriptor         │
	│    ├─ pending signal   → continue files with a backlog   │
	│    ├─ overflow error   → read every file                 │
	│    ├─ watcher failure  → exit, cause in Err()            │
	│    ├─ Rescan()         → add untracked files from 0      │
	│    ├─ poll tick        → read every file                 │
	│    └─ Stop()           → read every file, close all      │
	│                                                          │
	│  read path (per file)                                    │
	│    8 KiB reads → split on '\n' → strip '\r'              │
	│      → drop empty → Parser.Parse → Enqueuer.Enqueue      │
	│    unterminated tail kept in the file's partial buffer   │
	└──────────────────────────────────────────────────────────┘

fsnotify is the readiness multiplexer (inotify on Linux). Readiness on a
regular file only says "something changed", so a wake-up reads toward EOF and
the file offset is the source of truth. One file gets at most 1 MiB per
wake-up; if more is left it is marked pending and read again before the loop
blocks. The poll tick bounds each wait (POLL_INTERVAL_MS) and covers events
the watcher coalesces or misses.

A watcher error other than an overflow, or a closed watcher, ends the loop.
Done is closed and Err returns the cause.

# Positions

Files present at Start begin at their end: content written before the
sidecar started is never shipped. Files that appear later, through a Create
event or Rescan, are read from the start since all of their content is new.
Offsets live in memory only; a restart begins at the end again.

A renamed file, as in rotation from app.log to app.2026-10-14.log, keeps its
offset and unterminated tail. When the new name is found the file is matched
by inode and resumes where it stopped, so nothing is read twice.

# Lines

A line is emitted only once its newline arrives. The bytes after the last
newline are carried per file, so a line split across writes is emitted
exactly once and whole. A trailing carriage return is removed and empty lines
are discarded. A fragment that grows past MaxLineBytes without a newline is
emitted as is. When a file is removed its unterminated tail is emitted too.

Lines from one file reach the queue in file order. There is no ordering
between files.

# Queue pressure

When Enqueue rejects a record the line is counted as dropped instead of
processed and reading continues. The warning is sampled to one per ten
seconds.

# Concurrency

The loop goroutine owns every descriptor and all read state. Start, Stop,
AddFile, Rescan and Files may be called from other goroutines.
*/
package tailer
