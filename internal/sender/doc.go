// Package sender delivers batches to the destination.
//
// HTTP is the default transport: one POST per batch, body is the JSON array
// of the batch's records, headers are Content-Type: application/json and
// Authorization set verbatim to the configured token. Any status in
// [200,300) is success. Each request runs under its own timeout.
//
// Kafka is an optional transport that writes one message per batch with the
// same body, keyed by batch index.
//
// Every failed delivery is returned as a *DeliveryError carrying the status
// code and a bounded prefix of the response body when there was one.
package sender
