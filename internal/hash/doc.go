// Package hash provides the CRC32-Castagnoli checksum used by the cache
// log, index snapshots and S3 uploads. Go's crc32 package uses hardware
// instructions for this polynomial where the CPU has them.
package hash
