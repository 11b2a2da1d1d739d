/*
Package client calls the external channel's inventory recompute endpoint.

The channel exposes one idempotent operation:

	POST {base_url}/inventory/{hotel_id}/{check_in}/{check_out}

Any 2xx answer is a success. A *StatusError carries every other answer;
Temporary reports 5xx and 429 as retryable and everything else in 4xx as
final. IsTransient extends that to network failures.

Every request carries an X-Request-ID header. Callers that record the id
next to an attempt set it with WithRequestID; otherwise a fresh uuid is sent.
*/
package client
