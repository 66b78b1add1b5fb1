/*
Package rio is a binary object-persistence engine: it serializes versioned,
self-describing object graphs into compressed, block-structured container
files and reads them back even after the program's struct layouts changed.

This package holds the session Buffer every other package encodes into. The
rest of the engine lives in sub-packages:

  - compress: block compression and container sections
  - schema: class schemas and the schema registry
  - evolve: evolution rules and per-member action plans
  - stream: the object streamer (version tags, backreferences, polymorphism)
  - container: the file format tying sections, records and schema tables together

# Buffer

A Buffer is a growable byte cursor. Writes append and never fail; reads are
bounds-checked and latch ErrBufferUnderrun, so a decoder can issue a run of
reads and check Err once:

	var id uint32
	var name string
	buf.ReadUint32(&id)
	buf.ReadLenString(&name)
	if err := buf.Err(); err != nil {
	    return err
	}

Lengths that are only known after their payload is written are backpatched
through a Reservation:

	r := buf.Reserve(4)
	writeMembers(buf)
	if err := r.PutLength(); err != nil {
	    return err
	}
	data, err := buf.Finalize() // fails while any Reservation is open
*/
package rio
