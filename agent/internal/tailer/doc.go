// Package tailer follows log files and emits newly appended lines.
//
// A Tailer owns one named stream and its configured paths. For each path:
//
//   - A missing path is re-checked every poll interval (1s by default) until it
//     exists.
//   - A directory is expanded exactly one level: its direct entries are each
//     watched as files; nested directories are skipped. Entries created after
//     expansion are not picked up.
//   - A file watch records the file's size at watch time as the watermark, so
//     only content written afterwards is emitted. Offsets live in memory only.
//
// fsnotify drives the watches. A Write event reads [watermark, size) and
// advances the watermark; if the file is smaller than the watermark the event
// is skipped. A Rename or Remove event is treated as rotation: the watch is
// closed and set up again for the same path, taking the new file's current
// size as its watermark.
//
// Reads are split on '\n' and empty segments dropped. A partially flushed
// line is emitted as its own segment; there is no buffering across reads.
//
// Subscribers register with OnLine before Run.
package tailer
