// Package resultbus fans detection results out to many consumers without
// ever blocking the frame loop that publishes them.
//
// Two subscription policies are supported:
//
//   - Subscribe (DropNew): results go to a caller-owned buffered channel.
//     When the channel is full the new result is dropped and counted.
//   - SubscribeDropOld: a single-slot holder keeps only the newest result.
//     Receive blocks until a result the subscriber has not seen yet arrives.
//
// Publishers that talk to the network (MQTT, Redis) subscribe with DropOld
// so a slow broker only ever costs them stale results, never memory.
//
// Example:
//
//	bus := resultbus.New()
//	defer bus.Close()
//
//	rx, _ := bus.SubscribeDropOld("mqtt")
//	go func() {
//	    for {
//	        env, err := rx.Receive(ctx)
//	        if err != nil {
//	            return
//	        }
//	        publish(env)
//	    }
//	}()
//
//	bus.Publish(resultbus.Envelope{ServiceID: "service_1", Result: r})
package resultbus
