// Package plasmido runs Kafka workbooks: saved sets of producer and consumer
// artifacts executed together against one or more brokers. Producers render
// their payloads and headers from templates and send them in batches;
// consumers store every message they receive so it can be queried while the
// run is in progress. Payloads can be encoded and decoded through a schema
// registry (Avro or JSON Schema).
//
// A Service wires the catalog (SQLite or PostgreSQL), the Engine, the event
// broadcaster and the command API from a Config read from PLASMIDO_*
// environment variables. A minimal embedded setup therefore involves loading
// the Config, creating a Service, seeding the catalog and calling
// Engine.Start; cmd/plasmido wraps the same steps in a CLI.
//
// # Runs
//
// Every run records one ExecutionWorkbook and one ExecutionArtifact per
// artifact. A run ends when every ExecutionArtifact is STOPPED, either because
// its producer sent RepeatTimes messages, because a task failed, or because
// the run was stopped through the workbook.stop command. Consumers join the
// PLASMIDO-<execution artifact id> consumer group, which is deleted when they
// stop.
//
// # Variables
//
// Payloads, headers and broker or registry URLs accept {{ $token }}
// placeholders. Tokens come from the selected environment of the default
// user, from the message index ($p_index), and from generators such as
// $p_guid, $p_timestamp and $p_words.
//
// # Brokers
//
// The engine talks to brokers through the broker package. The kafka
// implementation is built on sarama and watermill-kafka and supports
// SASL/PLAIN, SCRAM and AWS IAM; the memory implementation keeps topics in
// process and is meant for demos and tests.
//
// # Events
//
// The engine announces workbook.started, workbook.stopped, producer.produced
// and consumer.consumed. The HTTP API streams them as server-sent events and
// Config.NotifySystem can forward them to Kafka, NATS, RabbitMQ, an HTTP
// webhook or AWS SNS.
package plasmido
