// Package cronexpr parses cron expressions and computes their fire times.
//
// Accepted forms:
//   - 6 fields: "sec min hour dom month dow" (e.g. "0 */5 * * * ?")
//   - 5 fields: "min hour dom month dow"; the second is fixed to 0
//   - descriptors: @yearly, @annually, @monthly, @weekly, @daily, @midnight, @hourly
//
// Each field accepts "*", a number, "a-b", "a/b", "*/b", "a-b/c" and comma
// separated unions of those. Months and weekdays also accept three-letter
// names (JAN, MON, ...). "?" is accepted in the day-of-month and day-of-week
// fields and means the same as "*". Day-of-week runs 0-7 where both 0 and 7
// are Sunday.
//
// When both day-of-month and day-of-week are restricted a day matches if
// either one matches (classic cron semantics); otherwise both must match.
//
// Next never looks further than four years past the reference instant.
// Expressions that cannot fire in that window (e.g. "0 0 0 30 2 *") report
// ErrUnreachable.
package cronexpr
