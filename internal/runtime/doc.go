/*
Package runtime assembles a plasmido process out of its parts.

# Package Structure

## Service (service.go)

Service wires together:
  - the catalog (docstore backend selected by Config.StoreDriver)
  - the notification broadcaster and its optional forwarding sink
  - the workbook engine with its Prometheus collectors
  - the command dispatcher and its HTTP binding

## Workbook files (workbook_file.go)

A WorkbookFile is a YAML document with a workbook and the brokers, schema
registries, environments and users it refers to. Service.Seed stores it and
Service.RunWorkbook runs the workbook until every artifact stopped.

## Stats (resources.go)

The service.stats command reports uptime and a coarse CPU, memory and
goroutine sample of the process.

# Subpackages

  - models: catalog and execution records
  - variables: template substitution for payloads, headers and URLs
  - connection: broker client configuration, including SASL and TLS
  - broker, broker/kafka, broker/memory: broker clients
  - schema: schema registry gateway and Avro/JSON codecs
  - docstore, catalog: document storage and typed collections
  - engine: producer and consumer tasks, run supervision
  - notify: event broadcaster and sinks
  - api: command dispatcher and HTTP binding
  - config, logging, errors, ids, jsoncodec, metadata: shared plumbing
*/
package runtime
