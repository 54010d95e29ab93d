/*
Package procstream provides a client and server for running a process remotely while streaming stdin
(client->server) and stdout & stderr (server->client). It uses WebSockets for bidi messaging so it only
requires an HTTP server.

Processes are scoped to the WebSocket connection: if the connection dies for any reason, the process
is killed.

There are two kinds of messages: "request" messages are sent client->server, and "response" messages
are sent server->client. Their schema is in types.go.

The protocol proceeds as follows:

 1. The client opens a WebSocket connection with the server.
 2. The client sends a request message containing the Spec.
 3. The server starts the process and replies with its session ID and PID, or with Err if it could
    not be started, in which case the server closes the connection.
 4. The client and server exchange stdin, stdout and stderr bytes while the process runs. The client
    may also send Signal to destroy the process.
 5. Once stdout and stderr are drained and the process has exited, the server sends a response with
    Exited=true and the ExitCode.
 6. The client initiates closing of the WebSocket connection.

The server does not buffer stdout or stderr, so the client must read them to completion before the
exit code arrives. Streams the caller does not care about should be discarded in the Spec.
*/
package procstream
