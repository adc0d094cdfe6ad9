package correlation

// armScript clears a stale response and leaves the request marker.
// KEYS[1] request, KEYS[2] response, ARGV[1] marker ttl in ms (0 = none).
const armScript = `
redis.call('DEL', KEYS[2])
if tonumber(ARGV[1]) > 0 then
	redis.call('SET', KEYS[1], '', 'PX', ARGV[1])
else
	redis.call('SET', KEYS[1], '')
end
return 1
`

// deliverScript swaps the request marker for the response iff the request still exists.
// KEYS[1] request, KEYS[2] response, ARGV[1] payload, ARGV[2] response ttl in ms (0 = none).
const deliverScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	redis.call('DEL', KEYS[1])
	if tonumber(ARGV[2]) > 0 then
		redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
	else
		redis.call('SET', KEYS[2], ARGV[1])
	end
	return 1
end
return 0
`

// collectScript reads and removes the response, together with any request marker.
// KEYS[1] request, KEYS[2] response.
const collectScript = `
if redis.call('EXISTS', KEYS[2]) == 1 then
	local value = redis.call('GET', KEYS[2])
	redis.call('DEL', KEYS[1])
	redis.call('DEL', KEYS[2])
	return value
end
return false
`

// abandonScript drops both keys after the caller gave up.
const abandonScript = `
return redis.call('DEL', KEYS[1], KEYS[2])
`
