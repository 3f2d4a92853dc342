/*
Package hemeter collects metering telemetry from a fleet of producers and aggregates it without ever
decrypting it. Readings are packed and encrypted under the CKKS leveled homomorphic scheme at the
producer, streamed to an ingestion server over a framed TCP protocol, and combined homomorphically
(sum, mean, variance and power-mean estimates of the extrema). Only the holder of the secret key
created alongside the public context can read the aggregates.

The root package defines the error taxonomy shared by every subpackage.
*/
package hemeter
