/*
Package process creates and controls operating system processes.

A Builder holds a mutable process specification: the command, the working directory, an environment
and a redirect for each of the three standard streams. Start validates the specification, opens the
redirect files, spawns the child through the platform spawner and returns a Process.

A Process is either running or exited. Wait blocks until the child exits, WaitTimeout waits for a
bounded time, and ExitValue returns ErrNotExited while the child is still running. Destroy and
DestroyForcibly request termination and return immediately.

Streams redirected to PIPE are readable or writable through the Process. Any other redirect leaves a
null stream in its place: reads return io.EOF and writes return ErrStreamClosed.

On Windows the command line is assembled from the arguments with the quoting rules of the target
(see internal/winargs), and the environment block is sorted and always carries SystemRoot.
*/
package process
