// Package api exposes the task scheduler over HTTP. Handlers decode and
// validate requests, call the scheduler, and map its errors to status codes;
// they hold no task state of their own.
package api
