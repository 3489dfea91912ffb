/*
Package types defines the data shared by every stage of the sidecar pipeline.

A Record is produced by the parser, queued by the batch package and read by the
Loki client. It is passed by value and never mutated after construction, so it
can be handed between goroutines without synchronization.

# Label Sets

Every record maps to a LabelSet of service, namespace, level and logger. The
Loki client groups a batch by LabelSet, which is comparable and used directly as
a map key, so that records with identical labels land in the same stream. Key()
gives the same identity as a string:

	Record{Service: "api", Namespace: "prod", Level: "WARN", Logger: "db"}
	  └─► LabelSet.Key()  = "3:api4:prod4:WARN2:db"
	  └─► LabelSet.Map()  = {"service":"api","namespace":"prod","level":"WARN","logger":"db"}

# Serialization

Record carries JSON tags matching the line format shipped to Loki:

	{"timestamp":"1712345678000000000","level":"INFO","message":"ready",
	 "logger":"main","thread":"worker-1","service":"api","namespace":"prod"}
*/
package types
