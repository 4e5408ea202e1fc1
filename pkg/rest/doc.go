// Package rest exposes the tables of one PostgreSQL schema over HTTP.
//
// Every table is served under the base URL without per-table code:
//
//	GET    /api/{table}        list rows
//	GET    /api/{table}/{id}   fetch one row by key
//	POST   /api/{table}        insert a row
//	PUT    /api/{table}/{id}   update a row
//	DELETE /api/{table}/{id}   delete a row
//	POST   /api/tokens         issue a token (requires write:tokens)
//	DELETE /api/tokens/{token} revoke a token (requires write:tokens)
//
// The row key is the table's primary key when it has exactly one, else "id".
//
// Query parameters shape list results:
//
//	Parameter             | Description
//	----------------------|------------------------------------------------
//	?filter=col,op,v[,v]  | One predicate; op is cs sw ew eq lt le ge gt bt in is
//	?include=a,b          | Return only these columns
//	?exclude=a,b          | Return every column but these
//	?order=col,asc        | Sort; direction is required
//	?limit=10             | At most this many rows
//	?page=2               | 1-indexed page of size limit; requires limit
//
// Include and exclude also apply to fetch-by-id.
//
// The Prefer header (RFC 7240) tunes responses:
//
//	Header                         | Description
//	-------------------------------|----------------------------------------
//	Prefer: return=minimal         | No body on POST, PUT and DELETE
//	Prefer: return=representation  | Body with the affected row (DELETE defaults to none)
//	Prefer: count=exact            | Content-Range with the filtered total on list
//
// Errors are JSON objects {"code": "...", "message": "..."} with a stable
// machine-readable code.
package rest
