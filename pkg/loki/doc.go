/*
Package loki pushes batches of records to a Loki server over its JSON push
API.

Each batch becomes one POST to {endpoint}/loki/api/v1/push. Records are
grouped by label set (service, namespace, level, logger) into streams, in the
order the label sets first appear in the batch:

	{
	  "streams": [
	    {
	      "stream": {"service":"api","namespace":"prod","level":"WARN","logger":"db"},
	      "values": [
	        ["1712345678000000000", "{\"timestamp\":\"...\",\"level\":\"WARN\",...}"]
	      ]
	    }
	  ]
	}

The line of each value is the full JSON encoding of the record. The pair's
timestamp is the record's own when it is a nanosecond integer or RFC 3339,
otherwise the time of sending. Values within a stream are sorted by that
timestamp unless Config.PreserveOrder is set.

Send returns nil only for a 2xx response. Other statuses produce a
*PushError carrying the status and the start of the response body; transport
failures and timeouts are returned wrapped. Send never retries.
*/
package loki
